package internal

import (
	"sync"
	"testing"
	"time"
)

func TestWorkerPoolRunsConcurrently(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	// N=2, so two 1s tasks should finish in about 1s, not 2s.
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	wp.Queue(func() {
		time.Sleep(time.Second)
		wg.Done()
	})
	wp.Queue(func() {
		time.Sleep(time.Second)
		wg.Done()
	})
	wg.Wait()
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("took %v for queued work, it should have been faster than 2s", took)
	}
}

func TestWorkerPoolDoesNoWorkBeforeStart(t *testing.T) {
	wp := NewWorkerPool(2)

	ch := make(chan int, 2)
	wp.Queue(func() {
		ch <- 1
	})
	wp.Queue(func() {
		ch <- 2
	})

	time.Sleep(100 * time.Millisecond)
	if len(ch) > 0 {
		t.Fatalf("queued work ran before Start()")
	}

	wp.Start()
	defer wp.Stop()

	sum := 0
	for sum != 3 {
		select {
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for work to be done")
		case val := <-ch:
			sum += val
		}
	}
}

func TestWorkerPoolBackpressure(t *testing.T) {
	// With n workers and a queue buffer of n, Queue must block on the
	// (2n+1)th task until one of the first n completes.
	n := 2
	wp := NewWorkerPool(n)
	wp.Start()
	defer wp.Stop()

	block := make(chan struct{})
	var running sync.WaitGroup
	running.Add(n)
	for i := 0; i < n; i++ {
		wp.Queue(func() {
			running.Done()
			<-block
		})
	}
	running.Wait()

	// Fill the buffer.
	for i := 0; i < n; i++ {
		wp.Queue(func() { <-block })
	}

	queued := make(chan struct{})
	go func() {
		wp.Queue(func() { <-block })
		close(queued)
	}()

	select {
	case <-queued:
		t.Fatalf("Queue returned while the pool was saturated")
	case <-time.After(200 * time.Millisecond):
	}

	// Freeing a worker unblocks the producer.
	block <- struct{}{}
	select {
	case <-queued:
	case <-time.After(time.Second):
		t.Fatalf("Queue still blocked after a worker freed up")
	}
	close(block)
}

package internal

// WorkerPool bounds the number of homeserver calls in flight at once.
// The registration CLI uses it to fan out bulk account creation without
// tripping server rate limits; N should be derived from the server's
// tolerance rather than picked arbitrarily.
type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool creates a pool that runs up to n tasks concurrently.
// The queue buffer is also n: once n tasks are queued on top of n
// running, Queue blocks, applying backpressure to the producer instead
// of accumulating unbounded work in memory.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start launches the workers. Call once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop shuts the pool down after queued work drains. Call once, and
// only after all Queue calls have returned.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue submits work. Blocks when the pool is saturated.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}

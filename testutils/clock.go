package testutils

import (
	"sync"
	"time"
)

// FakeClock is a manually driven clock. Step, when non-zero, advances
// the clock on every Now call, which lets deadline loops run to
// completion without real sleeping.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.Step)
	return now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

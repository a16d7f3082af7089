package client

import "time"

// Clock abstracts the time source used for the WaitForEvents deadline
// so the loop's termination condition can be driven deterministically
// in tests. Production code uses the default real clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

package types

import "time"

type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Clock is the time source used by every TTL and refill computation.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

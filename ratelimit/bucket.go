package ratelimit

import (
	"math"
	"time"
)

// Bucket is a single identity's token bucket. It is not safe for concurrent
// use on its own; the owning shard serializes access.
type Bucket struct {
	Capacity        float64
	Tokens          float64
	RefillPerSecond float64
	LastRefillAt    time.Time
}

func newBucket(capacity, refill float64, now time.Time) *Bucket {
	return &Bucket{
		Capacity:        capacity,
		Tokens:          capacity,
		RefillPerSecond: refill,
		LastRefillAt:    now,
	}
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.LastRefillAt).Seconds()
	if elapsed <= 0 {
		return
	}

	b.Tokens = math.Min(b.Capacity, b.Tokens+elapsed*b.RefillPerSecond)
	b.LastRefillAt = now
}

func (b *Bucket) take(now time.Time) bool {
	b.refill(now)

	if b.Tokens < 1 {
		return false
	}

	b.Tokens--
	return true
}

// wait reports how long until one whole token is available.
func (b *Bucket) wait() time.Duration {
	if b.Tokens >= 1 {
		return 0
	}
	if b.RefillPerSecond <= 0 {
		return time.Duration(math.MaxInt64)
	}

	missing := 1 - b.Tokens
	return time.Duration(missing / b.RefillPerSecond * float64(time.Second))
}

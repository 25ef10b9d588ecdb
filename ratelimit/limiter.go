package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/saiset-co/sai-market/types"
)

const shardCount = 64

// Decision is the full outcome of a Reserve call.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one
// when the request was rejected.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}

	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

type Options struct {
	Capacity        float64
	RefillPerSecond float64
	Clock           types.Clock
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// Limiter keeps one token bucket per identity. Refill is lazy: tokens are
// recomputed from elapsed clock time on every call, so no timer runs.
type Limiter struct {
	capacity float64
	refill   float64
	clock    types.Clock
	shards   [shardCount]*shard
}

func NewLimiter(opts Options) (*Limiter, error) {
	if opts.Capacity <= 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "capacity must be positive, got %v", opts.Capacity)
	}
	if opts.RefillPerSecond <= 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "refill rate must be positive, got %v", opts.RefillPerSecond)
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock{}
	}

	l := &Limiter{
		capacity: opts.Capacity,
		refill:   opts.RefillPerSecond,
		clock:    opts.Clock,
	}

	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*Bucket, 64)}
	}

	return l, nil
}

func (l *Limiter) shardFor(identity string) *shard {
	return l.shards[xxh3.HashString(identity)&(shardCount-1)]
}

// Allow takes one token for identity if one is available.
func (l *Limiter) Allow(identity string) bool {
	return l.Reserve(identity).Allowed
}

// Reserve is Allow with the bucket state the caller needs for response
// headers.
func (l *Limiter) Reserve(identity string) Decision {
	now := l.clock.Now()
	s := l.shardFor(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[identity]
	if !ok {
		b = newBucket(l.capacity, l.refill, now)
		s.buckets[identity] = b
	}

	allowed := b.take(now)

	d := Decision{
		Allowed:   allowed,
		Remaining: int(math.Floor(b.Tokens)),
		Limit:     int(l.capacity),
	}
	if !allowed {
		d.RetryAfter = b.wait()
	}

	return d
}

// Tokens returns the current token count for identity after refill, or the
// full capacity for an unknown identity. It does not consume anything.
func (l *Limiter) Tokens(identity string) float64 {
	now := l.clock.Now()
	s := l.shardFor(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[identity]
	if !ok {
		return l.capacity
	}

	b.refill(now)
	return b.Tokens
}

// Sweep drops identities that have not been seen for longer than idle and
// returns how many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.clock.Now().Add(-idle)
	removed := 0

	for _, s := range l.shards {
		s.mu.Lock()
		for id, b := range s.buckets {
			if b.LastRefillAt.Before(cutoff) {
				delete(s.buckets, id)
				removed++
			}
		}
		s.mu.Unlock()
	}

	return removed
}

// Forget drops the bucket for identity. It reports whether one existed.
func (l *Limiter) Forget(identity string) bool {
	s := l.shardFor(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[identity]; !ok {
		return false
	}
	delete(s.buckets, identity)
	return true
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

func (l *Limiter) Capacity() float64 { return l.capacity }

package stream

import "sync"

// Coalescer keeps only the latest payload per key between drains.
type Coalescer[K comparable, P any] struct {
	mu      sync.Mutex
	pending map[K]P
}

func NewCoalescer[K comparable, P any]() *Coalescer[K, P] {
	return &Coalescer[K, P]{pending: make(map[K]P)}
}

// Stage replaces whatever is pending for key.
func (c *Coalescer[K, P]) Stage(key K, payload P) {
	c.mu.Lock()
	c.pending[key] = payload
	c.mu.Unlock()
}

// Drain hands back everything staged so far and starts a fresh batch.
func (c *Coalescer[K, P]) Drain() map[K]P {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[K]P, len(batch))
	c.mu.Unlock()

	return batch
}

// DrainAndSend drains and calls send once per key outside the lock. It
// returns the number of keys delivered.
func (c *Coalescer[K, P]) DrainAndSend(send func(K, P)) int {
	batch := c.Drain()
	for key, payload := range batch {
		send(key, payload)
	}
	return len(batch)
}

func (c *Coalescer[K, P]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

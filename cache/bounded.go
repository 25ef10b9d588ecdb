package cache

import (
	"container/heap"
	"sync"
	"time"

	"github.com/saiset-co/sai-market/types"
)

const (
	DefaultMaxEntries     = 1000
	DefaultMaxMemoryBytes = 64 << 20
	DefaultTTL            = 5 * time.Minute
)

type Options[V any] struct {
	Name           string
	MaxEntries     int
	MaxMemoryBytes int64
	DefaultTTL     time.Duration
	Strategy       types.EvictionStrategy
	Clock          types.Clock
	Sizer          Sizer[V]
	// OnEvict is called under the cache lock for every capacity eviction.
	OnEvict func(key string)
}

type Entry[V any] struct {
	Key          string
	Value        V
	InsertedAt   time.Time
	ExpiresAt    time.Time
	LastAccessAt time.Time
	SizeBytes    int64
	Priority     types.Priority
	HitCount     int64
}

type node[V any] struct {
	key          string
	value        V
	insertedAt   time.Time
	expiresAt    time.Time
	lastAccessAt time.Time
	sizeBytes    int64
	priority     types.Priority
	hitCount     int64
	seq          uint64
	index        int
}

func (n *node[V]) expired(now time.Time) bool {
	return !now.Before(n.expiresAt)
}

// BoundedCache is a TTL-aware key/value store capped by entry count and
// aggregate estimated size. All methods are safe for concurrent use.
type BoundedCache[V any] struct {
	name           string
	maxEntries     int
	maxMemoryBytes int64
	defaultTTL     time.Duration
	strategy       types.EvictionStrategy
	clock          types.Clock
	sizer          Sizer[V]
	onEvict        func(key string)

	mu          sync.Mutex
	entries     map[string]*node[V]
	victims     *victimQueue[V]
	memoryUsage int64
	seq         uint64
	counters    *counters
}

func NewBoundedCache[V any](opts Options[V]) *BoundedCache[V] {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock{}
	}
	if opts.Sizer == nil {
		opts.Sizer = JSONSizer[V]
	}

	return &BoundedCache[V]{
		name:           opts.Name,
		maxEntries:     opts.MaxEntries,
		maxMemoryBytes: opts.MaxMemoryBytes,
		defaultTTL:     opts.DefaultTTL,
		strategy:       opts.Strategy,
		clock:          opts.Clock,
		sizer:          opts.Sizer,
		onEvict:        opts.OnEvict,
		entries:        make(map[string]*node[V], opts.MaxEntries),
		victims:        &victimQueue[V]{less: rankFor[V](opts.Strategy)},
		counters:       newCounters(),
	}
}

type setOptions struct {
	ttl      time.Duration
	ttlSet   bool
	priority types.Priority
}

type SetOption func(*setOptions)

func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
		o.ttlSet = true
	}
}

func WithPriority(priority types.Priority) SetOption {
	return func(o *setOptions) {
		o.priority = priority
	}
}

func (c *BoundedCache[V]) Name() string { return c.name }

// Get returns the live value for key. Expired entries are removed and
// reported as misses.
func (c *BoundedCache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		c.counters.misses.Add(1)
		return zero, false
	}

	if n.expired(now) {
		c.removeLocked(n)
		c.counters.expired.Add(1)
		c.counters.misses.Add(1)
		return zero, false
	}

	n.hitCount++
	n.lastAccessAt = now
	heap.Fix(c.victims, n.index)
	c.counters.hits.Add(1)

	return n.value, true
}

// Set stores value under key, evicting as needed to stay within budget.
// A TTL of zero or less stores nothing and drops any previous value.
// A value larger than the whole memory budget is rejected.
func (c *BoundedCache[V]) Set(key string, value V, opts ...SetOption) types.Result {
	if key == "" {
		return types.Fail(types.ErrCacheKeyEmpty)
	}

	o := setOptions{ttl: c.defaultTTL, priority: types.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl < 0 {
		o.ttl = 0
	}

	size, err := c.sizer(value)
	if err != nil || size < 0 {
		size = unsizedEstimate
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxMemoryBytes {
		c.counters.rejected.Add(1)
		return types.Fail(types.Errorf(types.ErrCacheEntryTooLarge,
			"key %s: %d bytes over budget of %d", key, size, c.maxMemoryBytes))
	}

	var hitCount int64
	if old, exists := c.entries[key]; exists {
		hitCount = old.hitCount
		c.removeLocked(old)
	}

	if o.ttl == 0 {
		return types.OK()
	}

	for len(c.entries)+1 > c.maxEntries || c.memoryUsage+size > c.maxMemoryBytes {
		if !c.evictOneLocked(now) {
			break
		}
	}

	c.seq++
	n := &node[V]{
		key:          key,
		value:        value,
		insertedAt:   now,
		expiresAt:    now.Add(o.ttl),
		lastAccessAt: now,
		sizeBytes:    size,
		priority:     o.priority,
		hitCount:     hitCount,
		seq:          c.seq,
	}
	c.entries[key] = n
	heap.Push(c.victims, n)
	c.memoryUsage += size

	return types.OK()
}

func (c *BoundedCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(n)
	return true
}

// Clear drops every entry. Lifetime counters keep their values.
func (c *BoundedCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*node[V], c.maxEntries)
	c.victims.reset()
	c.memoryUsage = 0
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *BoundedCache[V]) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, n := range c.entries {
		if n.expired(now) {
			c.removeLocked(n)
			removed++
		}
	}
	c.counters.expired.Add(int64(removed))

	return removed
}

// Keys returns a snapshot of the stored keys, including entries that have
// expired but not yet been collected.
func (c *BoundedCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

// Entry returns a copy of the entry metadata without counting an access.
func (c *BoundedCache[V]) Entry(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		return Entry[V]{}, false
	}

	return Entry[V]{
		Key:          n.key,
		Value:        n.value,
		InsertedAt:   n.insertedAt,
		ExpiresAt:    n.expiresAt,
		LastAccessAt: n.lastAccessAt,
		SizeBytes:    n.sizeBytes,
		Priority:     n.priority,
		HitCount:     n.hitCount,
	}, true
}

func (c *BoundedCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *BoundedCache[V]) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryUsage
}

func (c *BoundedCache[V]) Stats() types.CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	memory := c.memoryUsage
	c.mu.Unlock()

	hits, misses, evictions, rejected, expired := c.counters.snapshot()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return types.CacheStats{
		Name:           c.name,
		Size:           size,
		MaxSize:        c.maxEntries,
		HitRate:        hitRate,
		TotalHits:      hits,
		TotalMisses:    misses,
		MemoryUsage:    memory,
		MaxMemoryUsage: c.maxMemoryBytes,
		EvictionCount:  evictions,
		RejectedCount:  rejected,
		ExpiredCount:   expired,
		Strategy:       c.strategy.String(),
	}
}

// evictOneLocked removes the current victim. Expired victims are counted as
// expirations rather than evictions.
func (c *BoundedCache[V]) evictOneLocked(now time.Time) bool {
	victim := c.victims.peek()
	if victim == nil {
		return false
	}

	c.removeLocked(victim)

	if victim.expired(now) {
		c.counters.expired.Add(1)
		return true
	}

	c.counters.evictions.Add(1)
	if c.onEvict != nil {
		c.onEvict(victim.key)
	}

	return true
}

func (c *BoundedCache[V]) removeLocked(n *node[V]) {
	delete(c.entries, n.key)
	if n.index >= 0 {
		heap.Remove(c.victims, n.index)
	}
	c.memoryUsage -= n.sizeBytes
}

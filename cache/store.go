package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

var operationBuckets = []float64{0.00001, 0.0001, 0.001, 0.01, 0.1}

// Store is a category cache: a BoundedCache in front of an optional shared
// tier, instrumented with per-operation metrics. Shared tier failures are
// logged and reported through the returned Result, never to the caller's
// primary path.
type Store[V any] struct {
	name    string
	local   *BoundedCache[V]
	shared  types.SharedTier
	ttl     time.Duration
	logger  types.Logger
	metrics types.MetricsManager
}

// sharedEntry is the shared tier encoding. ExpiresAt is unix nanoseconds.
type sharedEntry[V any] struct {
	Value     V              `json:"v"`
	ExpiresAt int64          `json:"exp"`
	Priority  types.Priority `json:"prio"`
}

type StoreOptions struct {
	Name    string
	Config  *types.CacheCategoryConfig
	TTL     time.Duration
	Shared  types.SharedTier
	Clock   types.Clock
	Logger  types.Logger
	Metrics types.MetricsManager
}

func NewStore[V any](opts StoreOptions) *Store[V] {
	s := &Store[V]{
		name:    opts.Name,
		shared:  opts.Shared,
		ttl:     opts.TTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}

	evictions := opts.Metrics.Counter("cache_evictions_total", map[string]string{"cache": opts.Name})

	s.local = NewBoundedCache(Options[V]{
		Name:           opts.Name,
		MaxEntries:     opts.Config.MaxEntries,
		MaxMemoryBytes: opts.Config.MaxMemoryBytes,
		DefaultTTL:     opts.TTL,
		Strategy:       opts.Config.Strategy,
		Clock:          opts.Clock,
		OnEvict:        func(string) { evictions.Inc() },
	})

	return s
}

func (s *Store[V]) Name() string { return s.name }

func (s *Store[V]) Local() *BoundedCache[V] { return s.local }

func (s *Store[V]) TTL() time.Duration { return s.ttl }

// Get consults the local cache, then the shared tier. Shared hits are
// promoted into the local cache.
func (s *Store[V]) Get(ctx context.Context, key string) (V, bool) {
	start := time.Now()

	if value, ok := s.local.Get(key); ok {
		s.recordMetric("get", "hit", start)
		return value, true
	}

	var zero V
	if s.shared == nil {
		s.recordMetric("get", "miss", start)
		return zero, false
	}

	data, found, err := s.shared.Get(ctx, s.sharedKey(key))
	if err != nil {
		s.logger.Warn("Shared cache read failed", zap.String("cache", s.name), zap.String("key", key), zap.Error(err))
		s.recordMetric("get", "error", start)
		return zero, false
	}
	if !found {
		s.recordMetric("get", "miss", start)
		return zero, false
	}

	var entry sharedEntry[V]
	if err := utils.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("Shared cache entry undecodable", zap.String("cache", s.name), zap.String("key", key), zap.Error(err))
		s.recordMetric("get", "error", start)
		return zero, false
	}

	// The promoted copy expires with the origin write, not a fresh TTL.
	remaining := time.Unix(0, entry.ExpiresAt).Sub(s.local.clock.Now())
	if remaining <= 0 {
		s.recordMetric("get", "miss", start)
		return zero, false
	}

	s.local.Set(key, entry.Value, WithTTL(remaining), WithPriority(entry.Priority))
	s.recordMetric("get", "shared_hit", start)

	return entry.Value, true
}

// Set writes the local cache and, when configured, the shared tier.
func (s *Store[V]) Set(ctx context.Context, key string, value V, opts ...SetOption) types.Result {
	start := time.Now()

	res := s.local.Set(key, value, opts...)
	if !res.IsOK() {
		s.logger.Debug("Cache insert skipped", zap.String("cache", s.name), zap.String("key", key), zap.Error(res.Err))
		s.recordMetric("set", "rejected", start)
		return res
	}

	if s.shared != nil {
		if err := s.writeShared(ctx, key); err != nil {
			s.logger.Warn("Shared cache write failed", zap.String("cache", s.name), zap.String("key", key), zap.Error(err))
			s.recordMetric("set", "shared_error", start)
			return types.Fail(err)
		}
	}

	s.recordMetric("set", "success", start)
	s.publish()

	return types.OK()
}

func (s *Store[V]) Delete(ctx context.Context, key string) bool {
	removed := s.local.Delete(key)
	if s.shared != nil {
		if err := s.shared.Delete(ctx, s.sharedKey(key)); err != nil {
			s.logger.Warn("Shared cache delete failed", zap.String("cache", s.name), zap.String("key", key), zap.Error(err))
		}
	}
	s.publish()
	return removed
}

// Clear empties the local cache and the category's shared keys.
func (s *Store[V]) Clear(ctx context.Context) types.Result {
	s.local.Clear()
	s.publish()

	if s.shared == nil {
		return types.OK()
	}

	if _, err := s.shared.DeletePrefix(ctx, s.name+":"); err != nil {
		s.logger.Warn("Shared cache clear failed", zap.String("cache", s.name), zap.Error(err))
		return types.Fail(err)
	}
	return types.OK()
}

func (s *Store[V]) Sweep() int {
	removed := s.local.Sweep()
	s.publish()
	return removed
}

func (s *Store[V]) Stats() types.CacheStats {
	return s.local.Stats()
}

// writeShared mirrors the local entry just written, so the shared copy keeps
// the TTL and priority the caller chose. A TTL of zero left no local entry
// and removes the shared one too.
func (s *Store[V]) writeShared(ctx context.Context, key string) error {
	local, ok := s.local.Entry(key)
	if !ok {
		return s.shared.Delete(ctx, s.sharedKey(key))
	}

	ttl := local.ExpiresAt.Sub(s.local.clock.Now())
	if ttl <= 0 {
		return nil
	}

	data, err := utils.Marshal(sharedEntry[V]{
		Value:     local.Value,
		ExpiresAt: local.ExpiresAt.UnixNano(),
		Priority:  local.Priority,
	})
	if err != nil {
		return types.WrapError(err, "failed to encode shared cache entry")
	}
	return s.shared.Set(ctx, s.sharedKey(key), data, ttl)
}

func (s *Store[V]) sharedKey(key string) string {
	return BuildKey(s.name, key)
}

func (s *Store[V]) publish() {
	stats := s.local.Stats()
	labels := map[string]string{"cache": s.name}
	s.metrics.Gauge("cache_entries", labels).Set(float64(stats.Size))
	s.metrics.Gauge("cache_memory_bytes", labels).Set(float64(stats.MemoryUsage))
	s.metrics.Gauge("cache_hit_rate", labels).Set(stats.HitRate)
}

func (s *Store[V]) recordMetric(operation, result string, start time.Time) {
	s.metrics.Counter("cache_operations_total", map[string]string{
		"cache":     s.name,
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("cache_operation_duration_seconds", operationBuckets, map[string]string{
		"cache":     s.name,
		"operation": operation,
	}).ObserveDuration(start)
}

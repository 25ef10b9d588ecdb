package cache

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const (
	CategoryPrices     = "prices"
	CategoryKPIs       = "kpis"
	CategoryVolSurface = "vol_surface"
)

// Category is the type-erased view of a Store used for maintenance and stats.
type Category interface {
	Name() string
	Stats() types.CacheStats
	Sweep() int
	Clear(ctx context.Context) types.Result
}

// Manager owns one Store per market-data category and the shared tier they
// have in common.
type Manager struct {
	logger     types.Logger
	shared     types.SharedTier
	Prices     *Store[[]types.PricePoint]
	KPIs       *Store[*types.KPIs]
	VolSurface *Store[*types.VolSurface]
}

func NewManager(config *types.CacheConfig, shared types.SharedTier, clock types.Clock, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	options := func(name string, category *types.CacheCategoryConfig) StoreOptions {
		ttl := category.TTL
		if ttl <= 0 {
			ttl = config.DefaultTTL
		}
		return StoreOptions{
			Name:    name,
			Config:  category,
			TTL:     ttl,
			Shared:  shared,
			Clock:   clock,
			Logger:  logger,
			Metrics: metrics,
		}
	}

	m := &Manager{
		logger:     logger,
		shared:     shared,
		Prices:     NewStore[[]types.PricePoint](options(CategoryPrices, config.Prices)),
		KPIs:       NewStore[*types.KPIs](options(CategoryKPIs, config.KPIs)),
		VolSurface: NewStore[*types.VolSurface](options(CategoryVolSurface, config.VolSurface)),
	}

	for _, category := range m.Categories() {
		stats := category.Stats()
		logger.Info("Cache category ready",
			zap.String("cache", stats.Name),
			zap.Int("max_entries", stats.MaxSize),
			zap.String("max_memory", utils.FmtMem(uint64(stats.MaxMemoryUsage))),
			zap.String("strategy", stats.Strategy),
			zap.Bool("shared", shared != nil))
	}

	return m, nil
}

func (m *Manager) Categories() []Category {
	return []Category{m.Prices, m.KPIs, m.VolSurface}
}

func (m *Manager) Category(name string) (Category, error) {
	for _, category := range m.Categories() {
		if category.Name() == name {
			return category, nil
		}
	}
	return nil, types.Errorf(types.ErrCacheCategoryUnknown, "category: %s", name)
}

func (m *Manager) Shared() types.SharedTier {
	return m.shared
}

// Stats returns per-category statistics sorted by category name.
func (m *Manager) Stats() []types.CacheStats {
	out := make([]types.CacheStats, 0, 3)
	for _, category := range m.Categories() {
		out = append(out, category.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep drops expired entries from every category.
func (m *Manager) Sweep() int {
	removed := 0
	for _, category := range m.Categories() {
		removed += category.Sweep()
	}
	if removed > 0 {
		m.logger.Debug("Cache sweep finished", zap.Int("removed", removed))
	}
	return removed
}

// Clear empties every category. The first shared tier failure is returned.
func (m *Manager) Clear(ctx context.Context) types.Result {
	result := types.OK()
	for _, category := range m.Categories() {
		if res := category.Clear(ctx); !res.IsOK() && result.IsOK() {
			result = res
		}
	}
	m.logger.Info("Cache cleared")
	return result
}

func (m *Manager) Close() error {
	if m.shared == nil {
		return nil
	}
	return m.shared.Close()
}

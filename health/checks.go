package health

import (
	"context"
	"runtime"

	"github.com/saiset-co/sai-market/stream"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const (
	defaultMemoryPressure = 0.9
	defaultMinHitRate     = 0.1
)

type CacheStatsSource interface {
	Stats() []types.CacheStats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HubSource interface {
	IsRunning() bool
	Stats() stream.HubStats
}

// CacheCheck reports every category's memory and entry usage against its
// budget. A category at its full memory budget with a hit rate under
// MinHitRate is unhealthy; one above MemoryPressure is degraded.
func CacheCheck(caches CacheStatsSource, config *types.HealthConfig) types.HealthChecker {
	pressure, minHitRate := defaultMemoryPressure, defaultMinHitRate
	if config != nil {
		if config.MemoryPressure > 0 {
			pressure = config.MemoryPressure
		}
		if config.MinHitRate > 0 {
			minHitRate = config.MinHitRate
		}
	}

	return func(ctx context.Context) (types.HealthCheck, types.Result) {
		check := types.HealthCheck{Status: types.StatusHealthy, Details: make(map[string]interface{})}

		for _, stats := range caches.Stats() {
			memory := ratio(stats.MemoryUsage, stats.MaxMemoryUsage)
			entries := ratio(int64(stats.Size), int64(stats.MaxSize))

			check.Details[stats.Name] = map[string]interface{}{
				"memory":        utils.FmtMem(uint64(stats.MemoryUsage)),
				"memory_ratio":  memory,
				"entries_ratio": entries,
				"hit_rate":      stats.HitRate,
			}

			switch {
			case memory >= 1 && stats.HitRate < minHitRate:
				check.Status = types.StatusUnhealthy
				check.Message = stats.Name + " cache is full and ineffective"
			case memory >= pressure || entries >= 1:
				if check.Status == types.StatusHealthy {
					check.Status = types.StatusDegraded
					check.Message = stats.Name + " cache under memory pressure"
				}
			}
		}

		return check, types.OK()
	}
}

// ProviderCheck pings the market-data provider. An unreachable provider is
// unhealthy, not unknown: the ping itself is the measurement.
func ProviderCheck(provider Pinger) types.HealthChecker {
	return pingCheck(provider, "provider unreachable")
}

// SharedCacheCheck pings the shared cache tier.
func SharedCacheCheck(shared Pinger) types.HealthChecker {
	return pingCheck(shared, "shared cache unreachable")
}

func pingCheck(target Pinger, failure string) types.HealthChecker {
	return func(ctx context.Context) (types.HealthCheck, types.Result) {
		if err := target.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return types.HealthCheck{}, types.Fail(types.Errorf(types.ErrHealthCheckTimeout, "%v", err))
			}
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: failure + ": " + err.Error()}, types.OK()
		}
		return types.HealthCheck{Status: types.StatusHealthy}, types.OK()
	}
}

// StreamCheck is unhealthy when the hub is down and degraded when dispatch
// lags behind maxLag.
func StreamCheck(hub HubSource, config *types.HealthConfig) types.HealthChecker {
	return func(ctx context.Context) (types.HealthCheck, types.Result) {
		if !hub.IsRunning() {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "stream hub is not running"}, types.OK()
		}

		stats := hub.Stats()
		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"clients":      stats.Clients,
				"symbols":      stats.Symbols,
				"pending":      stats.Pending,
				"dispatch_lag": stats.DispatchLag.String(),
			},
		}

		if config != nil && config.MaxDispatchLag > 0 && stats.DispatchLag > config.MaxDispatchLag {
			check.Status = types.StatusDegraded
			check.Message = "dispatch is lagging"
		}

		return check, types.OK()
	}
}

// RuntimeCheck compares goroutine count and heap size with the configured
// limits. A zero limit disables that comparison.
func RuntimeCheck(config *types.HealthConfig) types.HealthChecker {
	return func(ctx context.Context) (types.HealthCheck, types.Result) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		goroutines := runtime.NumGoroutine()

		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"goroutines": goroutines,
				"heap":       utils.FmtMem(mem.HeapAlloc),
				"gc_cycles":  mem.NumGC,
			},
		}

		if config == nil {
			return check, types.OK()
		}

		if config.MaxGoroutines > 0 && goroutines > config.MaxGoroutines {
			check.Status = types.StatusDegraded
			check.Message = "goroutine count above limit"
		}
		if config.MaxHeapBytes > 0 && mem.HeapAlloc > config.MaxHeapBytes {
			check.Status = types.StatusDegraded
			check.Message = "heap above limit"
		}

		return check, types.OK()
	}
}

func ratio(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-market/logger"
	"github.com/saiset-co/sai-market/metrics"
	"github.com/saiset-co/sai-market/server"
	"github.com/saiset-co/sai-market/stream"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

var testEpoch = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

func fixed(status types.HealthStatus) types.HealthChecker {
	return func(context.Context) (types.HealthCheck, types.Result) {
		return types.HealthCheck{Status: status}, types.OK()
	}
}

func newTestManager(timeout time.Duration) (*Manager, *metrics.PrometheusMetrics) {
	m := metrics.NewPrometheusMetrics(&types.MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "test"}, logger.NewNop())
	hm := NewManager(context.Background(), &types.HealthConfig{Enabled: true, CheckTimeout: timeout},
		types.ServiceInfo{Name: "marketd", Version: "1.2.3"}, utils.NewManualClock(testEpoch), logger.NewNop(), m)
	return hm, m
}

// TestCheck_FailuresBecomeUnknown verifies errors, panics and timeouts are reported as unknown without aborting the report.
func TestCheck_FailuresBecomeUnknown(t *testing.T) {
	hm, m := newTestManager(50 * time.Millisecond)

	hm.RegisterChecker("ok", fixed(types.StatusHealthy))
	hm.RegisterChecker("error", func(context.Context) (types.HealthCheck, types.Result) {
		return types.HealthCheck{Status: types.StatusHealthy}, types.Fail(errors.New("boom"))
	})
	hm.RegisterChecker("panic", func(context.Context) (types.HealthCheck, types.Result) {
		panic("checker exploded")
	})
	hm.RegisterChecker("slow", func(ctx context.Context) (types.HealthCheck, types.Result) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}, types.OK()
	})

	report := hm.Check(context.Background())

	require.Equal(t, types.StatusDegraded, report.Status)
	require.Equal(t, types.StatusHealthy, report.Checks["ok"].Status)
	for _, name := range []string{"error", "panic", "slow"} {
		require.Equal(t, types.StatusUnknown, report.Checks[name].Status, name)
		require.NotEmpty(t, report.Checks[name].Message, name)
	}
	require.Contains(t, report.Checks["slow"].Message, types.ErrHealthCheckTimeout.Error())
	require.Equal(t, 4, report.Summary.Total)
	require.Equal(t, 3, report.Summary.Unknown)
	require.InDelta(t, 62.5, report.Score, 0.001)
	require.InDelta(t, 62.5, m.Gauge("health_score", nil).(*metrics.PrometheusGauge).Get(), 0.001)
}

// TestCheck_UnhealthyWins verifies one unhealthy check makes the report unhealthy.
func TestCheck_UnhealthyWins(t *testing.T) {
	hm, _ := newTestManager(time.Second)
	hm.RegisterChecker("a", fixed(types.StatusHealthy))
	hm.RegisterChecker("b", fixed(types.StatusDegraded))
	hm.RegisterChecker("c", fixed(types.StatusUnhealthy))

	report := hm.Check(context.Background())
	require.Equal(t, types.StatusUnhealthy, report.Status)
	require.InDelta(t, 50, report.Score, 0.001)
	require.Equal(t, report, hm.Last())
}

// TestCheck_NoCheckersIsHealthy verifies an empty manager scores 100.
func TestCheck_NoCheckersIsHealthy(t *testing.T) {
	hm, _ := newTestManager(time.Second)

	report := hm.Check(context.Background())
	require.Equal(t, types.StatusHealthy, report.Status)
	require.Equal(t, float64(100), report.Score)
	require.Equal(t, "marketd", report.Service.Name)
}

// TestCheck_UptimeCountsFromStart verifies uptime restarts at Start and can be read while Start runs.
func TestCheck_UptimeCountsFromStart(t *testing.T) {
	clock := utils.NewManualClock(testEpoch)
	hm := NewManager(context.Background(), &types.HealthConfig{Enabled: true, CheckTimeout: time.Second},
		types.ServiceInfo{Name: "marketd"}, clock, logger.NewNop(), metrics.NewNop())

	clock.Advance(time.Hour)
	require.Equal(t, time.Hour, hm.Check(context.Background()).Uptime)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = hm.Check(context.Background())
		}
	}()
	require.NoError(t, hm.Start())
	<-done
	t.Cleanup(func() { _ = hm.Stop() })

	clock.Advance(5 * time.Second)
	require.Equal(t, 5*time.Second, hm.Check(context.Background()).Uptime)
}

// TestRoutes_HealthStatusCodes verifies /health answers 503 when unhealthy and the other routes always answer.
func TestRoutes_HealthStatusCodes(t *testing.T) {
	hm, _ := newTestManager(time.Second)
	router := server.NewRouter()
	require.NoError(t, hm.RegisterRoutes(router))

	serve := func(path string) *fasthttp.RequestCtx {
		info, ok := router.Lookup([]byte("GET"), []byte(path))
		require.True(t, ok, path)
		require.True(t, info.Config.Disables("rate_limit"))
		ctx := &fasthttp.RequestCtx{}
		info.Handler(ctx)
		return ctx
	}

	require.Equal(t, fasthttp.StatusServiceUnavailable, serve("/health").Response.StatusCode())

	require.NoError(t, hm.Start())
	defer func() { require.NoError(t, hm.Stop()) }()

	hm.RegisterChecker("ok", fixed(types.StatusHealthy))
	ctx := serve("/health")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	require.Equal(t, types.StatusHealthy, report.Status)

	hm.RegisterChecker("down", fixed(types.StatusUnhealthy))
	require.Equal(t, fasthttp.StatusServiceUnavailable, serve("/health").Response.StatusCode())

	require.Equal(t, fasthttp.StatusOK, serve("/health/live").Response.StatusCode())

	ctx = serve("/version")
	var version types.VersionInfo
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &version))
	require.Equal(t, "1.2.3", version.Version)
	require.NotEmpty(t, version.GoVersion)
	require.NotEmpty(t, version.Build)
}

type stubStats []types.CacheStats

func (s stubStats) Stats() []types.CacheStats { return s }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubHub struct {
	running bool
	stats   stream.HubStats
}

func (h stubHub) IsRunning() bool        { return h.running }
func (h stubHub) Stats() stream.HubStats { return h.stats }

// TestCacheCheck_Thresholds verifies pressure degrades and a full ineffective cache is unhealthy.
func TestCacheCheck_Thresholds(t *testing.T) {
	config := &types.HealthConfig{MemoryPressure: 0.8, MinHitRate: 0.1}

	check, res := CacheCheck(stubStats{{Name: "prices", MemoryUsage: 10, MaxMemoryUsage: 100, MaxSize: 10}}, config)(context.Background())
	require.True(t, res.IsOK())
	require.Equal(t, types.StatusHealthy, check.Status)

	check, _ = CacheCheck(stubStats{{Name: "prices", MemoryUsage: 85, MaxMemoryUsage: 100, MaxSize: 10, HitRate: 0.9}}, config)(context.Background())
	require.Equal(t, types.StatusDegraded, check.Status)

	check, _ = CacheCheck(stubStats{
		{Name: "kpis", MemoryUsage: 85, MaxMemoryUsage: 100, MaxSize: 10},
		{Name: "prices", MemoryUsage: 100, MaxMemoryUsage: 100, MaxSize: 10, HitRate: 0.05},
	}, config)(context.Background())
	require.Equal(t, types.StatusUnhealthy, check.Status)
	require.Contains(t, check.Message, "prices")
}

// TestPingAndStreamChecks verifies ping failures, hub state and dispatch lag.
func TestPingAndStreamChecks(t *testing.T) {
	check, res := ProviderCheck(stubPinger{})(context.Background())
	require.True(t, res.IsOK())
	require.Equal(t, types.StatusHealthy, check.Status)

	check, res = SharedCacheCheck(stubPinger{err: errors.New("connection refused")})(context.Background())
	require.True(t, res.IsOK())
	require.Equal(t, types.StatusUnhealthy, check.Status)

	config := &types.HealthConfig{MaxDispatchLag: time.Second}

	check, _ = StreamCheck(stubHub{}, config)(context.Background())
	require.Equal(t, types.StatusUnhealthy, check.Status)

	check, _ = StreamCheck(stubHub{running: true, stats: stream.HubStats{Clients: 2, DispatchLag: 200 * time.Millisecond}}, config)(context.Background())
	require.Equal(t, types.StatusHealthy, check.Status)
	require.Equal(t, 2, check.Details["clients"])

	check, _ = StreamCheck(stubHub{running: true, stats: stream.HubStats{DispatchLag: 3 * time.Second}}, config)(context.Background())
	require.Equal(t, types.StatusDegraded, check.Status)

	check, _ = RuntimeCheck(&types.HealthConfig{MaxGoroutines: 1})(context.Background())
	require.Equal(t, types.StatusDegraded, check.Status)
}

// TestParseBuildInfoFile verifies KEY=VALUE parsing and the short string form.
func TestParseBuildInfoFile(t *testing.T) {
	info := parseBuildInfoFile("# build\nVERSION=1.4.0\nGIT_COMMIT=0123456789abcdef\nBUILD_TIME=2024-01-02T15:04:05Z\nbogus\n")
	require.Equal(t, "1.4.0-0123456 (2024-01-02)", info.String())
}

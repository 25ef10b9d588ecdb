package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-market/logger"
	"github.com/saiset-co/sai-market/types"
)

func newTestMetrics() *PrometheusMetrics {
	return NewPrometheusMetrics(&types.MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "test"}, logger.NewNop())
}

func findFamily(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

// TestPrometheusMetrics_CounterIsShared verifies repeated lookups hit the same series.
func TestPrometheusMetrics_CounterIsShared(t *testing.T) {
	m := newTestMetrics()

	labels := map[string]string{"cache": "prices", "result": "hit"}
	m.Counter("cache_operations_total", labels).Inc()
	m.Counter("cache_operations_total", labels).Add(2)

	counter := m.Counter("cache_operations_total", labels).(*PrometheusCounter)
	require.Equal(t, float64(3), counter.Get())

	families, err := m.Gather()
	require.NoError(t, err)
	family := findFamily(t, families, "test_cache_operations_total")
	require.Len(t, family.GetMetric(), 1)
}

// TestPrometheusMetrics_LabelMismatchIsNop verifies inconsistent labels degrade to a no-op instead of panicking.
func TestPrometheusMetrics_LabelMismatchIsNop(t *testing.T) {
	m := newTestMetrics()

	m.Gauge("stream_clients", nil).Set(2)
	gauge := m.Gauge("stream_clients", map[string]string{"unexpected": "x"})
	require.IsType(t, nopGauge{}, gauge)
	gauge.Set(5)

	require.Equal(t, float64(2), m.Gauge("stream_clients", nil).(*PrometheusGauge).Get())
}

// TestPrometheusMetrics_Handler verifies the exposition endpoint renders registered series.
func TestPrometheusMetrics_Handler(t *testing.T) {
	m := newTestMetrics()
	m.Histogram("http_request_duration_seconds", []float64{0.1, 1}, map[string]string{"path": "/x"}).Observe(0.05)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	m.Handler()(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Contains(t, string(ctx.Response.Body()), `test_http_request_duration_seconds_bucket{path="/x",le="0.1"} 1`)
}

// TestNewManager_Disabled returns the no-op manager when metrics are off.
func TestNewManager_Disabled(t *testing.T) {
	m := NewManager(&types.MetricsConfig{Enabled: false}, logger.NewNop())
	require.IsType(t, Nop{}, m)

	ctx := &fasthttp.RequestCtx{}
	m.Handler()(ctx)
	require.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

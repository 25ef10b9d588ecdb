package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-market/logger"
	"github.com/saiset-co/sai-market/metrics"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

var epoch = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

// TestMock_IsDeterministic verifies the same symbol and instant produce the same series.
func TestMock_IsDeterministic(t *testing.T) {
	clock := utils.NewManualClock(epoch)
	a := NewMock(nil, clock)
	b := NewMock(nil, clock)

	first, err := a.GetPrices(context.Background(), "AAPL", types.Range1M)
	require.NoError(t, err)
	second, err := b.GetPrices(context.Background(), "AAPL", types.Range1M)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, first, 22)

	other, err := a.GetPrices(context.Background(), "MSFT", types.Range1M)
	require.NoError(t, err)
	require.NotEqual(t, first[0].Close, other[0].Close)

	for i, p := range first {
		require.GreaterOrEqual(t, p.High, p.Low)
		require.Positive(t, p.Close)
		if i > 0 {
			require.True(t, p.Timestamp.After(first[i-1].Timestamp))
		}
	}
}

// TestMock_KPIsAndSurface verifies KPI fields and the surface grid shape.
func TestMock_KPIsAndSurface(t *testing.T) {
	m := NewMock(nil, utils.NewManualClock(epoch))

	kpis, err := m.GetKPIs(context.Background(), "NVDA")
	require.NoError(t, err)
	require.Equal(t, "NVDA", kpis.Symbol)
	require.Positive(t, kpis.Price)
	require.Greater(t, kpis.Week52High, kpis.Week52Low)

	surface, err := m.GetVolSurface(context.Background(), "NVDA")
	require.NoError(t, err)
	require.Len(t, surface.Strikes, len(surfaceMoneyness))
	require.Len(t, surface.Volatility, len(surface.Expiries))
	for _, row := range surface.Volatility {
		require.Len(t, row, len(surface.Strikes))
		for _, v := range row {
			require.Positive(t, v)
		}
	}
}

// TestMock_FailSymbolsAndLatency verifies configured failures and context cancellation during latency.
func TestMock_FailSymbolsAndLatency(t *testing.T) {
	m := NewMock(&types.MockProviderConfig{FailSymbols: []string{"fail"}}, nil)

	_, err := m.GetKPIs(context.Background(), "FAIL")
	require.ErrorIs(t, err, types.ErrProviderUnavailable)

	slow := NewMock(&types.MockProviderConfig{Latency: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = slow.GetPrices(ctx, "AAPL", types.Range1D)
	require.ErrorIs(t, err, types.ErrProviderUnavailable)
}

// TestBatch_ReturnsPartialResults verifies failing symbols land in the error map and the rest succeed.
func TestBatch_ReturnsPartialResults(t *testing.T) {
	m := NewMock(&types.MockProviderConfig{FailSymbols: []string{"BAD"}}, nil)

	var inFlight, peak atomic.Int32
	res := Batch(context.Background(), []string{"AAPL", "BAD", "MSFT", "TSLA"}, 2,
		func(ctx context.Context, symbol string) (*types.KPIs, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return m.GetKPIs(ctx, symbol)
		})

	require.Len(t, res.Data, 3)
	require.Len(t, res.Errors, 1)
	require.ErrorIs(t, res.Errors["BAD"], types.ErrProviderUnavailable)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

// TestNew_SelectsProvider verifies the factory honours the type and rejects unknown ones.
func TestNew_SelectsProvider(t *testing.T) {
	p, err := New(&types.ProviderConfig{Type: "mock"}, nil, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	require.Equal(t, MockName, p.Name())

	_, err = New(&types.ProviderConfig{Type: "carrier-pigeon"}, nil, logger.NewNop(), metrics.NewNop())
	require.ErrorIs(t, err, types.ErrProviderTypeUnknown)

	_, err = New(&types.ProviderConfig{Type: "http"}, nil, logger.NewNop(), metrics.NewNop())
	require.Error(t, err)
}

// TestInstrumented_CountsResults verifies success and error calls are counted by operation.
func TestInstrumented_CountsResults(t *testing.T) {
	m := metrics.NewPrometheusMetrics(&types.MetricsConfig{Enabled: true, Namespace: "test"}, logger.NewNop())
	p := Instrument(NewMock(&types.MockProviderConfig{FailSymbols: []string{"BAD"}}, nil), m)

	_, _ = p.GetKPIs(context.Background(), "AAPL")
	_, _ = p.GetKPIs(context.Background(), "BAD")

	ok := m.Counter("provider_requests_total", map[string]string{"provider": "mock", "operation": "kpis", "result": "success"})
	failed := m.Counter("provider_requests_total", map[string]string{"provider": "mock", "operation": "kpis", "result": "error"})
	require.Equal(t, 1.0, ok.(*metrics.PrometheusCounter).Get())
	require.Equal(t, 1.0, failed.(*metrics.PrometheusCounter).Get())
}

func upstream(t *testing.T, status *atomic.Int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/kpis/AAPL":
			if r.Header.Get("X-API-Key") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"symbol":"AAPL","price":189.5,"peRatio":29.1}`))
		case "/prices/AAPL":
			if r.URL.Query().Get("range") != "5d" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`[{"timestamp":"2024-01-02T00:00:00Z","open":1,"high":2,"low":0.5,"close":1.5,"volume":10}]`))
		case "/health":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

// TestHTTP_DecodesResponses verifies the client decodes upstream JSON and maps 404 to an invalid symbol.
func TestHTTP_DecodesResponses(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := upstream(t, &status)

	p, err := NewHTTP(&types.HTTPProviderConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, nil, logger.NewNop())
	require.NoError(t, err)
	defer p.Close()

	kpis, err := p.GetKPIs(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, 189.5, kpis.Price)

	prices, err := p.GetPrices(context.Background(), "AAPL", types.Range5D)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.Equal(t, 1.5, prices[0].Close)

	require.NoError(t, p.Ping(context.Background()))

	_, err = p.GetVolSurface(context.Background(), "ZZZZ")
	require.ErrorIs(t, err, types.ErrSymbolInvalid)
}

// TestHTTP_CircuitBreakerOpensAndRecovers verifies repeated 5xx trips the breaker and a success closes it.
func TestHTTP_CircuitBreakerOpensAndRecovers(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := upstream(t, &status)

	clock := utils.NewManualClock(epoch)
	p, err := NewHTTP(&types.HTTPProviderConfig{
		BaseURL: srv.URL,
		Timeout: time.Second,
		CircuitBreaker: &types.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenRequests: 1,
		},
	}, clock, logger.NewNop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = p.GetKPIs(context.Background(), "AAPL")
		require.ErrorIs(t, err, types.ErrProviderUnavailable)
	}
	require.Equal(t, StateBreakerOpen, p.Breaker().State())

	_, err = p.GetKPIs(context.Background(), "AAPL")
	require.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
	require.ErrorIs(t, err, types.ErrProviderUnavailable)

	status.Store(http.StatusOK)
	clock.Advance(31 * time.Second)

	_, err = p.GetKPIs(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, StateBreakerClosed, p.Breaker().State())
}

// TestCircuitBreaker_HalfOpenFailureReopens verifies a failed probe sends the breaker back to open.
func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := utils.NewManualClock(epoch)
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Second}, clock, logger.NewNop(), "test")

	cb.RecordFailure()
	require.False(t, cb.CanExecute())

	clock.Advance(time.Second)
	require.True(t, cb.CanExecute())
	require.Equal(t, StateBreakerHalfOpen, cb.State())

	cb.RecordFailure()
	require.Equal(t, StateBreakerOpen, cb.State())
	require.False(t, cb.CanExecute())

	var disabled *CircuitBreaker
	require.True(t, disabled.CanExecute())
}

package market

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-market/cache"
	"github.com/saiset-co/sai-market/logger"
	"github.com/saiset-co/sai-market/metrics"
	"github.com/saiset-co/sai-market/provider"
	"github.com/saiset-co/sai-market/server"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

var testEpoch = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

type countingProvider struct {
	types.Provider
	kpiCalls atomic.Int32
	gate     chan struct{}
}

func (c *countingProvider) GetKPIs(ctx context.Context, symbol string) (*types.KPIs, error) {
	c.kpiCalls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.Provider.GetKPIs(ctx, symbol)
}

type keyTier struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (k *keyTier) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (k *keyTier) Set(_ context.Context, key string, _ []byte, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[key] = struct{}{}
	return nil
}

func (k *keyTier) Delete(context.Context, ...string) error { return nil }

func (k *keyTier) DeletePrefix(context.Context, string) (int64, error) { return 0, nil }

func (k *keyTier) Ping(context.Context) error { return nil }

func (k *keyTier) Close() error { return nil }

func testCacheConfig() *types.CacheConfig {
	category := func(ttl time.Duration) *types.CacheCategoryConfig {
		return &types.CacheCategoryConfig{MaxEntries: 100, MaxMemoryBytes: 4 << 20, TTL: ttl}
	}
	return &types.CacheConfig{
		DefaultTTL: time.Minute,
		Prices:     category(30 * time.Second),
		KPIs:       category(time.Minute),
		VolSurface: category(5 * time.Minute),
	}
}

func allFeatures() *types.MarketConfig {
	return &types.MarketConfig{
		Features:         types.MarketFeatures{Prices: true, KPIs: true, VolSurface: true, Batch: true},
		MaxBatchSymbols:  5,
		BatchConcurrency: 2,
		ProviderTimeout:  time.Second,
	}
}

func newTestHandlers(t *testing.T, config *types.MarketConfig) (*Handlers, *countingProvider) {
	t.Helper()
	return newTestHandlersWithContext(t, context.Background(), config)
}

func newTestHandlersWithContext(t *testing.T, parent context.Context, config *types.MarketConfig) (*Handlers, *countingProvider) {
	t.Helper()

	clock := utils.NewManualClock(testEpoch)
	caches, err := cache.NewManager(testCacheConfig(), nil, clock, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)

	p := &countingProvider{Provider: provider.NewMock(&types.MockProviderConfig{FailSymbols: []string{"DOWN"}}, clock)}

	h, err := NewHandlers(parent, p, caches, config, logger.NewNop())
	require.NoError(t, err)
	return h, p
}

func request(uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI(uri)
	return ctx
}

func decode[T any](t *testing.T, ctx *fasthttp.RequestCtx) T {
	t.Helper()
	var body T
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &body))
	return body
}

// TestPrices_MissThenHit verifies the cache header flips and the max-age follows the category TTL.
func TestPrices_MissThenHit(t *testing.T) {
	h, _ := newTestHandlers(t, allFeatures())

	ctx := request("/api/v1/prices?symbol=aapl&range=5d")
	h.Prices(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Equal(t, "MISS", string(ctx.Response.Header.Peek(HeaderCache)))
	require.Equal(t, "public, max-age=30", string(ctx.Response.Header.Peek(fasthttp.HeaderCacheControl)))

	body := decode[struct {
		Symbol string             `json:"symbol"`
		Range  string             `json:"range"`
		Points []types.PricePoint `json:"points"`
	}](t, ctx)
	require.Equal(t, "AAPL", body.Symbol)
	require.Equal(t, "5d", body.Range)
	points, _ := types.Range5D.Points()
	require.Len(t, body.Points, points)

	ctx = request("/api/v1/prices?symbol=AAPL&range=5d")
	h.Prices(ctx)
	require.Equal(t, "HIT", string(ctx.Response.Header.Peek(HeaderCache)))
}

// TestPrices_ValidationErrors verifies bad symbols and ranges answer 400 with distinct codes.
func TestPrices_ValidationErrors(t *testing.T) {
	h, _ := newTestHandlers(t, allFeatures())

	ctx := request("/api/v1/prices?symbol=not%20a%20symbol")
	h.Prices(ctx)
	require.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	require.Equal(t, "INVALID_SYMBOL", decode[utils.ErrorBody](t, ctx).Code)
	require.Equal(t, utils.CacheControlNoStore, string(ctx.Response.Header.Peek(fasthttp.HeaderCacheControl)))

	ctx = request("/api/v1/prices?symbol=AAPL&range=10y")
	h.Prices(ctx)
	require.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	require.Equal(t, "INVALID_RANGE", decode[utils.ErrorBody](t, ctx).Code)
}

// TestKPIs_ProviderFailureIs503 verifies an unavailable provider maps to 503 and nothing is cached.
func TestKPIs_ProviderFailureIs503(t *testing.T) {
	h, p := newTestHandlers(t, allFeatures())

	for i := 0; i < 2; i++ {
		ctx := request("/api/v1/kpis?symbol=DOWN")
		h.KPIs(ctx)
		require.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
		require.Equal(t, "PROVIDER_UNAVAILABLE", decode[utils.ErrorBody](t, ctx).Code)
	}
	require.Equal(t, int32(2), p.kpiCalls.Load())
}

// TestSharedKeys_CarryCategoryOnce verifies shared tier keys are namespaced by category exactly once.
func TestSharedKeys_CarryCategoryOnce(t *testing.T) {
	tier := &keyTier{keys: make(map[string]struct{})}
	clock := utils.NewManualClock(testEpoch)
	caches, err := cache.NewManager(testCacheConfig(), tier, clock, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)

	p := provider.NewMock(&types.MockProviderConfig{}, clock)
	h, err := NewHandlers(context.Background(), p, caches, allFeatures(), logger.NewNop())
	require.NoError(t, err)

	for _, uri := range []string{"/api/v1/kpis?symbol=AAPL", "/api/v1/prices?symbol=AAPL&range=1d", "/api/v1/vol-surface?symbol=AAPL"} {
		ctx := request(uri)
		switch {
		case strings.Contains(uri, "kpis"):
			h.KPIs(ctx)
		case strings.Contains(uri, "prices"):
			h.Prices(ctx)
		default:
			h.VolSurface(ctx)
		}
		require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), uri)
	}

	require.Equal(t, map[string]struct{}{
		"kpis:AAPL":        {},
		"prices:AAPL:1d":   {},
		"vol_surface:AAPL": {},
	}, tier.keys)
}

// TestKPIs_ServedWhileServiceShutsDown verifies requests draining after the service context is cancelled still complete.
func TestKPIs_ServedWhileServiceShutsDown(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	h, p := newTestHandlersWithContext(t, parent, allFeatures())

	ctx := request("/api/v1/kpis?symbol=AAPL")
	h.KPIs(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Equal(t, int32(1), p.kpiCalls.Load())

	batch := request("/api/v1/kpis/batch?symbols=AAPL,MSFT")
	h.KPIsBatch(batch)
	require.Equal(t, fasthttp.StatusOK, batch.Response.StatusCode())
}

// TestKPIs_ConcurrentMissesShareOneCall verifies identical concurrent misses reach the provider once.
func TestKPIs_ConcurrentMissesShareOneCall(t *testing.T) {
	h, p := newTestHandlers(t, allFeatures())
	p.gate = make(chan struct{})

	var wg sync.WaitGroup
	statuses := make([]int, 8)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := request("/api/v1/kpis?symbol=MSFT")
			h.KPIs(ctx)
			statuses[i] = ctx.Response.StatusCode()
		}(i)
	}

	require.Eventually(t, func() bool { return p.kpiCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	require.Equal(t, int32(1), p.kpiCalls.Load())
	for _, status := range statuses {
		require.Equal(t, fasthttp.StatusOK, status)
	}
}

// TestPricesBatch_PartialResults verifies failures and malformed symbols land in errors while the rest succeed.
func TestPricesBatch_PartialResults(t *testing.T) {
	h, _ := newTestHandlers(t, allFeatures())

	ctx := request("/api/v1/prices/batch?symbols=AAPL,down,MSFT,AAPL,bad%20one&range=1d")
	h.PricesBatch(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	body := decode[BatchResponse[[]types.PricePoint]](t, ctx)
	require.Len(t, body.Data, 2)
	require.Contains(t, body.Data, "AAPL")
	require.Contains(t, body.Data, "MSFT")
	require.Equal(t, "PROVIDER_UNAVAILABLE", body.Errors["DOWN"].Code)
	require.Equal(t, "INVALID_SYMBOL", body.Errors["bad one"].Code)
}

// TestKPIsBatch_AllFailedIs503 verifies a batch with no successes answers 503.
func TestKPIsBatch_AllFailedIs503(t *testing.T) {
	h, _ := newTestHandlers(t, allFeatures())

	ctx := request("/api/v1/kpis/batch?symbols=DOWN")
	h.KPIsBatch(ctx)
	require.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	body := decode[BatchResponse[*types.KPIs]](t, ctx)
	require.Empty(t, body.Data)
	require.Equal(t, "PROVIDER_UNAVAILABLE", body.Errors["DOWN"].Code)
}

// TestBatch_SymbolLimits verifies empty and oversized symbol lists are bad requests.
func TestBatch_SymbolLimits(t *testing.T) {
	h, _ := newTestHandlers(t, allFeatures())

	ctx := request("/api/v1/kpis/batch?symbols=")
	h.KPIsBatch(ctx)
	require.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	require.Equal(t, "INVALID_PARAMETER", decode[utils.ErrorBody](t, ctx).Code)

	ctx = request("/api/v1/kpis/batch?symbols=A,B,C,D,E,F")
	h.KPIsBatch(ctx)
	require.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

// TestVolSurface_FeatureDisabled verifies a switched-off feature answers 503 FEATURE_DISABLED.
func TestVolSurface_FeatureDisabled(t *testing.T) {
	config := allFeatures()
	config.Features.VolSurface = false
	h, _ := newTestHandlers(t, config)

	ctx := request("/api/v1/vol-surface?symbol=AAPL")
	h.VolSurface(ctx)
	require.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	require.Equal(t, "FEATURE_DISABLED", decode[utils.ErrorBody](t, ctx).Code)

	config.Features.VolSurface = true
	ctx = request("/api/v1/vol-surface?symbol=AAPL")
	h.VolSurface(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Equal(t, "public, max-age=300", string(ctx.Response.Header.Peek(fasthttp.HeaderCacheControl)))
}

// TestCacheStatsAndClear verifies stats are per category and clearing keeps lifetime counters.
func TestCacheStatsAndClear(t *testing.T) {
	h, _ := newTestHandlers(t, allFeatures())

	h.KPIs(request("/api/v1/kpis?symbol=AAPL"))
	h.KPIs(request("/api/v1/kpis?symbol=AAPL"))

	ctx := request("/api/v1/cache")
	h.ClearCache(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = request("/api/v1/cache/stats")
	h.CacheStats(ctx)
	require.Equal(t, utils.CacheControlNoStore, string(ctx.Response.Header.Peek(fasthttp.HeaderCacheControl)))

	body := decode[struct {
		Categories map[string]types.CacheStats `json:"categories"`
	}](t, ctx)
	require.Len(t, body.Categories, 3)

	kpis := body.Categories[cache.CategoryKPIs]
	require.Equal(t, 0, kpis.Size)
	require.Equal(t, int64(1), kpis.TotalHits)
	require.Equal(t, int64(1), kpis.TotalMisses)
}

// TestRegister_MountsRoutes verifies every route is reachable under the API prefix.
func TestRegister_MountsRoutes(t *testing.T) {
	h, _ := newTestHandlers(t, allFeatures())
	router := server.NewRouter()
	require.NoError(t, h.Register(router))

	for _, route := range []struct{ method, path string }{
		{"GET", "/api/v1/prices"},
		{"GET", "/api/v1/prices/batch"},
		{"GET", "/api/v1/kpis"},
		{"GET", "/api/v1/kpis/batch"},
		{"GET", "/api/v1/vol-surface"},
		{"GET", "/api/v1/cache/stats"},
		{"DELETE", "/api/v1/cache"},
	} {
		_, ok := router.Lookup([]byte(route.method), []byte(route.path))
		require.True(t, ok, "%s %s", route.method, route.path)
	}

	info, _ := router.Lookup([]byte("GET"), []byte("/api/v1/cache/stats"))
	require.Equal(t, utils.CacheControlNoStore, info.Config.CacheControl)
}

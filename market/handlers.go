package market

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-market/cache"
	"github.com/saiset-co/sai-market/logger"
	"github.com/saiset-co/sai-market/provider"
	"github.com/saiset-co/sai-market/server"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const (
	APIPrefix              = "/api/v1"
	HeaderCache            = "X-Cache"
	defaultProviderTimeout = 5 * time.Second
	defaultBatchSymbols    = 20
)

// Handlers serves the market-data routes. Every read goes through the
// category cache first; misses for the same key share one provider call.
type Handlers struct {
	ctx      context.Context
	provider types.Provider
	caches   *cache.Manager
	config   *types.MarketConfig
	logger   types.Logger
	flight   singleflight.Group
}

// BatchResponse is the body of every batch route.
type BatchResponse[T any] struct {
	Data   map[string]T           `json:"data"`
	Errors map[string]SymbolError `json:"errors"`
}

func NewHandlers(ctx context.Context, p types.Provider, caches *cache.Manager, config *types.MarketConfig, logger types.Logger) (*Handlers, error) {
	if p == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "provider is nil")
	}
	if caches == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "cache manager is nil")
	}
	if config == nil {
		config = &types.MarketConfig{Features: types.MarketFeatures{Prices: true, KPIs: true, VolSurface: true, Batch: true}}
	}

	// Requests still draining after the service context is cancelled finish
	// their provider calls; each fetch is bounded by the provider timeout.
	return &Handlers{
		ctx:      context.WithoutCancel(ctx),
		provider: p,
		caches:   caches,
		config:   config,
		logger:   logger,
	}, nil
}

// Register mounts the routes under APIPrefix.
func (h *Handlers) Register(router types.HTTPRouter) error {
	api := server.NewGroup(router, APIPrefix, nil)
	noStore := &types.RouteConfig{CacheControl: utils.CacheControlNoStore}

	routes := []struct {
		method  string
		path    string
		handler types.FastHTTPHandler
		config  *types.RouteConfig
	}{
		{"GET", "/prices", h.Prices, nil},
		{"GET", "/prices/batch", h.PricesBatch, nil},
		{"GET", "/kpis", h.KPIs, nil},
		{"GET", "/kpis/batch", h.KPIsBatch, nil},
		{"GET", "/vol-surface", h.VolSurface, nil},
		{"GET", "/cache/stats", h.CacheStats, noStore},
		{"DELETE", "/cache", h.ClearCache, noStore},
	}

	for _, route := range routes {
		var err error
		switch route.method {
		case "DELETE":
			err = api.DELETE(route.path, route.handler, route.config)
		default:
			err = api.GET(route.path, route.handler, route.config)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *Handlers) Prices(ctx *fasthttp.RequestCtx) {
	if !h.config.Features.Prices {
		h.fail(ctx, types.Errorf(types.ErrFeatureDisabled, "prices"))
		return
	}

	symbol, err := types.NormalizeSymbol(string(ctx.QueryArgs().Peek("symbol")))
	if err != nil {
		h.fail(ctx, err)
		return
	}

	rng, err := types.ParseRange(string(ctx.QueryArgs().Peek("range")))
	if err != nil {
		h.fail(ctx, err)
		return
	}

	points, hit, err := h.prices(symbol, rng)
	if err != nil {
		h.fail(ctx, err)
		return
	}

	h.respond(ctx, h.caches.Prices.TTL(), hit, map[string]interface{}{
		"symbol": symbol,
		"range":  rng,
		"points": points,
	})
}

func (h *Handlers) PricesBatch(ctx *fasthttp.RequestCtx) {
	if !h.config.Features.Prices || !h.config.Features.Batch {
		h.fail(ctx, types.Errorf(types.ErrFeatureDisabled, "prices batch"))
		return
	}

	rng, err := types.ParseRange(string(ctx.QueryArgs().Peek("range")))
	if err != nil {
		h.fail(ctx, err)
		return
	}

	symbols, rejected, err := h.batchSymbols(ctx)
	if err != nil {
		h.fail(ctx, err)
		return
	}

	result := provider.Batch(h.ctx, symbols, h.config.BatchConcurrency, func(_ context.Context, symbol string) ([]types.PricePoint, error) {
		points, _, err := h.prices(symbol, rng)
		return points, err
	})

	writeBatch(ctx, h.caches.Prices.TTL(), result, rejected)
}

func (h *Handlers) KPIs(ctx *fasthttp.RequestCtx) {
	if !h.config.Features.KPIs {
		h.fail(ctx, types.Errorf(types.ErrFeatureDisabled, "kpis"))
		return
	}

	symbol, err := types.NormalizeSymbol(string(ctx.QueryArgs().Peek("symbol")))
	if err != nil {
		h.fail(ctx, err)
		return
	}

	kpis, hit, err := h.kpis(symbol)
	if err != nil {
		h.fail(ctx, err)
		return
	}

	h.respond(ctx, h.caches.KPIs.TTL(), hit, kpis)
}

func (h *Handlers) KPIsBatch(ctx *fasthttp.RequestCtx) {
	if !h.config.Features.KPIs || !h.config.Features.Batch {
		h.fail(ctx, types.Errorf(types.ErrFeatureDisabled, "kpis batch"))
		return
	}

	symbols, rejected, err := h.batchSymbols(ctx)
	if err != nil {
		h.fail(ctx, err)
		return
	}

	result := provider.Batch(h.ctx, symbols, h.config.BatchConcurrency, func(_ context.Context, symbol string) (*types.KPIs, error) {
		kpis, _, err := h.kpis(symbol)
		return kpis, err
	})

	writeBatch(ctx, h.caches.KPIs.TTL(), result, rejected)
}

func (h *Handlers) VolSurface(ctx *fasthttp.RequestCtx) {
	if !h.config.Features.VolSurface {
		h.fail(ctx, types.Errorf(types.ErrFeatureDisabled, "vol surface"))
		return
	}

	symbol, err := types.NormalizeSymbol(string(ctx.QueryArgs().Peek("symbol")))
	if err != nil {
		h.fail(ctx, err)
		return
	}

	key := cache.BuildKey(symbol)
	surface, hit, err := load(h, h.caches.VolSurface, key, types.PriorityHigh, func(ctx context.Context) (*types.VolSurface, error) {
		return h.provider.GetVolSurface(ctx, symbol)
	})
	if err != nil {
		h.fail(ctx, err)
		return
	}

	h.respond(ctx, h.caches.VolSurface.TTL(), hit, surface)
}

func (h *Handlers) CacheStats(ctx *fasthttp.RequestCtx) {
	stats := h.caches.Stats()
	categories := make(map[string]types.CacheStats, len(stats))
	for _, s := range stats {
		categories[s.Name] = s
	}

	utils.SetNoCache(ctx)
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"categories": categories})
}

// ClearCache empties every category. Lifetime counters are kept; a shared
// tier failure is reported but does not fail the request.
func (h *Handlers) ClearCache(ctx *fasthttp.RequestCtx) {
	body := map[string]interface{}{"cleared": true}

	clearCtx, cancel := context.WithTimeout(h.ctx, h.providerTimeout())
	defer cancel()

	if res := h.caches.Clear(clearCtx); !res.IsOK() {
		h.logger.Warn("Shared cache clear failed", zap.Error(res.Unwrap()))
		body["warning"] = res.Unwrap().Error()
	}

	utils.SetNoCache(ctx)
	utils.WriteJSON(ctx, fasthttp.StatusOK, body)
}

func (h *Handlers) prices(symbol string, rng types.Range) ([]types.PricePoint, bool, error) {
	key := cache.BuildKey(symbol, string(rng))
	return load(h, h.caches.Prices, key, types.PriorityNormal, func(ctx context.Context) ([]types.PricePoint, error) {
		return h.provider.GetPrices(ctx, symbol, rng)
	})
}

func (h *Handlers) kpis(symbol string) (*types.KPIs, bool, error) {
	key := cache.BuildKey(symbol)
	return load(h, h.caches.KPIs, key, types.PriorityNormal, func(ctx context.Context) (*types.KPIs, error) {
		return h.provider.GetKPIs(ctx, symbol)
	})
}

// load returns the cached value for key or fetches it once for all
// concurrent callers. The fetch runs under the handlers' context, not the
// request's, so one client going away does not fail the callers sharing it.
func load[V any](h *Handlers, store *cache.Store[V], key string, priority types.Priority, fetch func(ctx context.Context) (V, error)) (V, bool, error) {
	if value, ok := store.Get(h.ctx, key); ok {
		return value, true, nil
	}

	// Keys are per category; the flight group is shared by all of them.
	shared, err, _ := h.flight.Do(store.Name()+":"+key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(h.ctx, h.providerTimeout())
		defer cancel()

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		if res := store.Set(ctx, key, value, cache.WithPriority(priority)); !res.IsOK() {
			h.logger.Debug("Cache write skipped", zap.String("key", key), zap.Error(res.Unwrap()))
		}

		return value, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}

	return shared.(V), false, nil
}

func (h *Handlers) providerTimeout() time.Duration {
	if h.config.ProviderTimeout > 0 {
		return h.config.ProviderTimeout
	}
	return defaultProviderTimeout
}

// batchSymbols parses the symbols list. Malformed symbols are reported per
// symbol rather than failing the whole batch; an empty or oversized list is
// a bad request.
func (h *Handlers) batchSymbols(ctx *fasthttp.RequestCtx) ([]string, map[string]SymbolError, error) {
	raw := utils.SplitList(string(ctx.QueryArgs().Peek("symbols")))
	if len(raw) == 0 {
		return nil, nil, types.Errorf(types.ErrInvalidParameter, "symbols is required")
	}

	limit := h.config.MaxBatchSymbols
	if limit <= 0 {
		limit = defaultBatchSymbols
	}

	seen := make(map[string]bool, len(raw))
	symbols := make([]string, 0, len(raw))
	rejected := make(map[string]SymbolError)

	for _, value := range raw {
		symbol, err := types.NormalizeSymbol(value)
		if err != nil {
			rejected[strings.TrimSpace(value)] = symbolError(err)
			continue
		}
		if seen[symbol] {
			continue
		}
		seen[symbol] = true
		symbols = append(symbols, symbol)
	}

	if len(symbols)+len(rejected) > limit {
		return nil, nil, types.Errorf(types.ErrInvalidParameter, "at most %d symbols per batch", limit)
	}

	if len(symbols) == 0 {
		return nil, nil, types.Errorf(types.ErrSymbolInvalid, "no valid symbols")
	}

	return symbols, rejected, nil
}

// writeBatch answers 200 when at least one symbol resolved, otherwise 503.
func writeBatch[T any](ctx *fasthttp.RequestCtx, ttl time.Duration, result provider.BatchResult[T], rejected map[string]SymbolError) {
	body := BatchResponse[T]{
		Data:   result.Data,
		Errors: make(map[string]SymbolError, len(result.Errors)+len(rejected)),
	}

	for symbol, err := range result.Errors {
		body.Errors[symbol] = symbolError(err)
	}
	for symbol, err := range rejected {
		body.Errors[symbol] = err
	}

	if len(body.Data) == 0 {
		utils.SetNoCache(ctx)
		utils.WriteJSON(ctx, fasthttp.StatusServiceUnavailable, body)
		return
	}

	utils.SetMaxAge(ctx, int(ttl/time.Second))
	utils.WriteJSON(ctx, fasthttp.StatusOK, body)
}

func (h *Handlers) respond(ctx *fasthttp.RequestCtx, ttl time.Duration, hit bool, body interface{}) {
	if hit {
		ctx.Response.Header.Set(HeaderCache, "HIT")
	} else {
		ctx.Response.Header.Set(HeaderCache, "MISS")
	}

	utils.SetMaxAge(ctx, int(ttl/time.Second))
	utils.WriteJSON(ctx, fasthttp.StatusOK, body)
}

func (h *Handlers) fail(ctx *fasthttp.RequestCtx, err error) {
	status, code := Classify(err)

	switch {
	case status == fasthttp.StatusServiceUnavailable:
		h.logger.Warn("Request degraded", zap.ByteString("path", ctx.Path()), zap.String("code", code), zap.Error(err))
	case status >= fasthttp.StatusInternalServerError:
		logger.ErrorWithStack(h.logger, "Request failed", err, zap.ByteString("path", ctx.Path()))
	}

	utils.WriteError(ctx, status, code, err.Error())
}

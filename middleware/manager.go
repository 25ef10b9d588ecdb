package middleware

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/ratelimit"
	"github.com/saiset-co/sai-market/types"
)

const MaxMiddlewares = 64

// Manager orders middlewares by weight and caches one compiled chain per
// distinct set of per-route disabled middlewares.
type Manager struct {
	logger             types.Logger
	metrics            types.MetricsManager
	orderedMiddlewares []entry
	nameToIndex        map[string]int
	defaultEnabledMask uint64
	middlewareMap      map[string]*entry
	compiledChains     sync.Map
	mu                 sync.Mutex
	initialized        atomic.Bool
}

type entry struct {
	name       string
	middleware types.Middleware
	weight     int
}

type chainFunc func(*fasthttp.RequestCtx, func(*fasthttp.RequestCtx), *types.RouteConfig)

func NewManager(logger types.Logger, metrics types.MetricsManager) *Manager {
	return &Manager{
		logger:        logger,
		metrics:       metrics,
		nameToIndex:   make(map[string]int),
		middlewareMap: make(map[string]*entry),
	}
}

// RegisterMiddlewares builds every enabled middleware from config and
// finalizes the chain. limiter backs the rate-limit middleware.
func (m *Manager) RegisterMiddlewares(config *types.MiddlewaresConfig, limiter *ratelimit.Limiter) error {
	if config == nil || !config.Enabled {
		return m.Finalize()
	}

	enabled := func(item *types.MiddlewareItemConfig) bool { return item != nil && item.Enabled }

	if enabled(config.Recovery) {
		if err := m.Register(NewRecoveryMiddleware(config.Recovery, m.logger, m.metrics)); err != nil {
			return err
		}
	}

	if enabled(config.RequestID) {
		if err := m.Register(NewRequestIDMiddleware(config.RequestID, m.logger)); err != nil {
			return err
		}
	}

	if enabled(config.Logging) {
		if err := m.Register(NewLoggingMiddleware(config.Logging, m.logger, m.metrics)); err != nil {
			return err
		}
	}

	if enabled(config.CORS) {
		if err := m.Register(NewCORSMiddleware(config.CORS, m.logger)); err != nil {
			return err
		}
	}

	if enabled(config.RateLimit) {
		if limiter == nil {
			return types.Errorf(types.ErrMiddlewareNotFound, "rate-limit middleware requires a limiter")
		}
		if err := m.Register(NewRateLimitMiddleware(config.RateLimit, limiter, m.logger, m.metrics)); err != nil {
			return err
		}
	}

	if enabled(config.Compression) {
		if err := m.Register(NewCompressionMiddleware(config.Compression, m.logger)); err != nil {
			return err
		}
	}

	return m.Finalize()
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.Errorf(types.ErrMiddlewareNotFound, "middleware is nil")
	}

	if m.initialized.Load() {
		return types.NewErrorf("cannot register middleware after finalization")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.middlewareMap) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	name := middleware.Name()
	if _, exists := m.middlewareMap[name]; exists {
		return types.Errorf(types.ErrMiddlewareExists, "%s", name)
	}

	m.middlewareMap[name] = &entry{name: name, middleware: middleware, weight: middleware.Weight()}

	m.logger.Info("Middleware registered", zap.String("middleware", name), zap.Int("weight", middleware.Weight()))
	return nil
}

// Finalize fixes the chain order. Two middlewares with the same weight are
// a configuration error.
func (m *Manager) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized.Load() {
		return types.NewErrorf("configuration already finalized")
	}

	weights := make(map[int]string)
	for name, e := range m.middlewareMap {
		if existingName, exists := weights[e.weight]; exists {
			return types.NewErrorf("duplicate weight %d for middlewares '%s' and '%s'",
				e.weight, existingName, name)
		}
		weights[e.weight] = name
	}

	m.orderedMiddlewares = make([]entry, 0, len(m.middlewareMap))
	for _, e := range m.middlewareMap {
		m.orderedMiddlewares = append(m.orderedMiddlewares, *e)
	}

	sort.Slice(m.orderedMiddlewares, func(i, j int) bool {
		return m.orderedMiddlewares[i].weight < m.orderedMiddlewares[j].weight
	})

	m.nameToIndex = make(map[string]int, len(m.orderedMiddlewares))
	m.defaultEnabledMask = 0
	for i, e := range m.orderedMiddlewares {
		m.nameToIndex[e.name] = i
		m.defaultEnabledMask |= 1 << uint(i)
	}
	m.middlewareMap = nil

	m.initialized.Store(true)

	return nil
}

// Names lists the chain in execution order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.orderedMiddlewares))
	for _, e := range m.orderedMiddlewares {
		names = append(names, e.name)
	}
	return names
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if !m.initialized.Load() {
		handler(ctx)
		return
	}

	mask := m.routeMask(config)
	if mask == 0 {
		handler(ctx)
		return
	}

	m.chainFor(mask)(ctx, handler, config)
}

func (m *Manager) routeMask(config *types.RouteConfig) uint64 {
	mask := m.defaultEnabledMask
	if config == nil {
		return mask
	}

	for _, name := range config.DisabledMiddlewares {
		if index, exists := m.nameToIndex[name]; exists {
			mask &^= 1 << uint(index)
		}
	}

	return mask
}

func (m *Manager) chainFor(mask uint64) chainFunc {
	if chain, ok := m.compiledChains.Load(mask); ok {
		return chain.(chainFunc)
	}

	active := make([]types.Middleware, 0, len(m.orderedMiddlewares))
	for i, e := range m.orderedMiddlewares {
		if mask&(1<<uint(i)) != 0 {
			active = append(active, e.middleware)
		}
	}

	chain, _ := m.compiledChains.LoadOrStore(mask, compileChain(active))
	return chain.(chainFunc)
}

func compileChain(middlewares []types.Middleware) chainFunc {
	return func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
		var index int

		var next func(*fasthttp.RequestCtx)
		next = func(ctx *fasthttp.RequestCtx) {
			if index >= len(middlewares) {
				handler(ctx)
				return
			}

			mw := middlewares[index]
			index++
			mw.Handle(ctx, next, config)
		}

		next(ctx)
	}
}

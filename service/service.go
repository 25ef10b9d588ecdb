package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-market/cache"
	"github.com/saiset-co/sai-market/cron"
	"github.com/saiset-co/sai-market/health"
	"github.com/saiset-co/sai-market/logger"
	"github.com/saiset-co/sai-market/market"
	"github.com/saiset-co/sai-market/metrics"
	"github.com/saiset-co/sai-market/middleware"
	"github.com/saiset-co/sai-market/provider"
	"github.com/saiset-co/sai-market/ratelimit"
	"github.com/saiset-co/sai-market/server"
	"github.com/saiset-co/sai-market/stream"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultIdleTimeout     = 10 * time.Minute
	defaultSweepSchedule   = "@every 1m"
)

type Option func(*Service)

// WithLogger replaces the logger built from the logger section.
func WithLogger(l types.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source shared by caches, limiter, provider and hub.
func WithClock(clock types.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithProvider replaces the provider built from the provider section.
func WithProvider(p types.Provider) Option {
	return func(s *Service) { s.provider = p }
}

// WithoutSignals stops Start from listening for SIGINT and SIGTERM.
func WithoutSignals() Option {
	return func(s *Service) { s.handleSignals = false }
}

type component struct {
	name    string
	manager types.LifecycleManager
}

// Service owns every component of a marketd instance. Components are built
// in dependency order by NewService, started in that order by Start and
// stopped in reverse.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.ServiceConfig
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	handleSignals   bool

	logger      types.Logger
	clock       types.Clock
	metrics     types.MetricsManager
	shared      *cache.RedisTier
	caches      *cache.Manager
	provider    types.Provider
	limiter     *ratelimit.Limiter
	middlewares *middleware.Manager
	router      *server.Router
	http        *server.FastHTTPServer
	hub         *stream.Hub
	health      *health.Manager
	cron        *cron.Manager

	components []component
}

func NewService(ctx context.Context, config *types.ServiceConfig, opts ...Option) (*Service, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          config,
		done:            make(chan struct{}),
		shutdownTimeout: defaultShutdownTimeout,
		handleSignals:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(StateStopped)

	if err := s.build(); err != nil {
		cancel()
		_ = s.closeResources()
		return nil, err
	}

	return s, nil
}

func (s *Service) build() error {
	config := s.config

	if s.logger == nil {
		l, err := logger.NewLogger(config.Logger)
		if err != nil {
			return err
		}
		s.logger = l
	}
	if s.clock == nil {
		s.clock = types.SystemClock{}
	}

	s.metrics = metrics.NewManager(config.Metrics, s.logger)

	var shared types.SharedTier
	if config.Cache.Shared != nil && config.Cache.Shared.Enabled {
		tier, err := cache.NewRedisTier(s.ctx, config.Cache.Shared, s.logger)
		if err != nil {
			s.logger.Warn("Shared cache tier unavailable, continuing with local caches only", zap.Error(err))
		} else {
			s.shared = tier
			shared = tier
		}
	}

	caches, err := cache.NewManager(config.Cache, shared, s.clock, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to create cache manager")
	}
	s.caches = caches

	if s.provider == nil {
		p, err := provider.New(config.Provider, s.clock, s.logger, s.metrics)
		if err != nil {
			return types.WrapError(err, "failed to create provider")
		}
		s.provider = p
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Options{
		Capacity:        config.RateLimit.Capacity,
		RefillPerSecond: config.RateLimit.RefillPerSecond,
		Clock:           s.clock,
	})
	if err != nil {
		return types.WrapError(err, "failed to create rate limiter")
	}
	s.limiter = limiter

	s.middlewares = middleware.NewManager(s.logger, s.metrics)
	if err := s.middlewares.RegisterMiddlewares(config.Middlewares, limiter); err != nil {
		return types.WrapError(err, "failed to register middlewares")
	}

	s.router = server.NewRouter()

	handlers, err := market.NewHandlers(s.ctx, s.provider, caches, config.Market, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to create market handlers")
	}
	if err := handlers.Register(s.router); err != nil {
		return types.WrapError(err, "failed to register market routes")
	}

	s.health = health.NewManager(s.ctx, config.Health, types.ServiceInfo{
		Name:    config.Name,
		Version: config.Version,
		Host:    config.Server.HTTP.Host,
		Port:    config.Server.HTTP.Port,
	}, s.clock, s.logger, s.metrics)
	if err := s.health.RegisterRoutes(s.router); err != nil {
		return types.WrapError(err, "failed to register health routes")
	}

	if config.Metrics != nil && config.Metrics.Enabled {
		if err := s.router.GET(config.Metrics.Path, s.metrics.Handler(), &types.RouteConfig{
			CacheControl:        utils.CacheControlNoStore,
			DisabledMiddlewares: []string{middleware.RateLimitName, middleware.CompressionName},
		}); err != nil {
			return types.WrapError(err, "failed to register metrics route")
		}
	}

	s.http, err = server.NewHTTPServer(s.ctx, config.Server.HTTP, s.logger, s.middlewares, s.router)
	if err != nil {
		return types.WrapError(err, "failed to create http server")
	}

	if streamConfig := config.Server.Stream; streamConfig != nil && streamConfig.Enabled {
		source := stream.NewWalkSource(s.provider, s.clock, s.clock.Now().UnixNano())
		s.hub, err = stream.NewHub(s.ctx, streamConfig, source, s.clock, s.logger, s.metrics)
		if err != nil {
			return types.WrapError(err, "failed to create stream hub")
		}
	}

	s.registerHealthChecks()

	if config.Cron != nil && config.Cron.Enabled {
		s.cron = cron.NewManager(config.Cron, s.logger, s.metrics)
		if err := s.registerJobs(); err != nil {
			return err
		}
	}

	s.components = []component{{name: "metrics", manager: s.metrics}}
	if config.Health != nil && config.Health.Enabled {
		s.components = append(s.components, component{name: "health", manager: s.health})
	}
	s.components = append(s.components, component{name: "http", manager: s.http})
	if s.hub != nil {
		s.components = append(s.components, component{name: "stream", manager: s.hub})
	}
	if s.cron != nil {
		s.components = append(s.components, component{name: "cron", manager: s.cron})
	}

	return nil
}

func (s *Service) registerHealthChecks() {
	s.health.RegisterChecker("cache", health.CacheCheck(s.caches, s.config.Health))
	s.health.RegisterChecker("provider", health.ProviderCheck(s.provider))
	s.health.RegisterChecker("runtime", health.RuntimeCheck(s.config.Health))
	if s.shared != nil {
		s.health.RegisterChecker("shared_cache", health.SharedCacheCheck(s.shared))
	}
	if s.hub != nil {
		s.health.RegisterChecker("stream", health.StreamCheck(s.hub, s.config.Health))
	}
}

func (s *Service) registerJobs() error {
	cacheSchedule := s.config.Cache.SweepSchedule
	if cacheSchedule == "" {
		cacheSchedule = defaultSweepSchedule
	}
	if err := s.cron.Add("cache_sweep", cacheSchedule, func() { s.caches.Sweep() }); err != nil {
		return types.WrapError(err, "failed to schedule cache sweep")
	}

	idle := s.config.RateLimit.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	limiterSchedule := s.config.RateLimit.SweepSchedule
	if limiterSchedule == "" {
		limiterSchedule = defaultSweepSchedule
	}
	if err := s.cron.Add("rate_limit_sweep", limiterSchedule, func() {
		if removed := s.limiter.Sweep(idle); removed > 0 {
			s.logger.Debug("Rate limiter sweep finished", zap.Int("removed", removed))
		}
		s.metrics.Gauge("ratelimit_buckets", nil).Set(float64(s.limiter.Len()))
	}); err != nil {
		return types.WrapError(err, "failed to schedule rate limiter sweep")
	}

	return nil
}

// Start brings every component up and blocks until Stop, a signal or
// cancellation of the parent context.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServiceIsRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("%w: %v", types.ErrInternalError, r)
				s.logger.Error("Service run panic", zap.Any("panic", r), zap.String("stack", string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger.Info("Starting service", zap.String("name", s.config.Name), zap.String("version", s.config.Version))

	if err := s.startComponents(); err != nil {
		s.cancel()
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	if s.handleSignals {
		s.setupSignalHandling()
	}

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully",
		zap.String("http", s.http.Addr()),
		zap.String("stream", s.StreamAddr()))

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	s.logger.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// HTTPAddr is the bound HTTP address while running.
func (s *Service) HTTPAddr() string {
	return s.http.Addr()
}

// StreamAddr is the bound stream address, empty when streaming is disabled.
func (s *Service) StreamAddr() string {
	if s.hub == nil {
		return ""
	}
	return s.hub.Addr()
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

// startComponents starts in order and unwinds what already started when one
// of them fails.
func (s *Service) startComponents() error {
	for i, c := range s.components {
		if err := s.ctx.Err(); err != nil {
			s.stopStarted(i)
			return err
		}
		if err := c.manager.Start(); err != nil {
			s.stopStarted(i)
			return types.WrapError(err, "failed to start "+c.name)
		}
		s.logger.Debug("Component started", zap.String("component", c.name))
	}

	s.logger.Info("All components started successfully")
	return nil
}

func (s *Service) stopStarted(n int) {
	for i := n - 1; i >= 0; i-- {
		if err := s.components[i].manager.Stop(); err != nil {
			s.logger.Warn("Failed to stop component", zap.String("component", s.components[i].name), zap.Error(err))
		}
	}
	if err := s.closeResources(); err != nil {
		s.logger.Warn("Failed to release resources", zap.Error(err))
	}
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Stopping service components...")

	finished := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(s.components) - 1; i >= 0; i-- {
			c := s.components[i]
			if !c.manager.IsRunning() {
				continue
			}
			if err := c.manager.Stop(); err != nil {
				s.logger.Error("Failed to stop component", zap.String("component", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		errs = append(errs, s.closeResources())
		finished <- errors.Join(errs...)
	}()

	select {
	case err := <-finished:
		if err == nil {
			s.logger.Info("All components stopped successfully")
		}
		return err
	case <-ctx.Done():
		s.logger.Warn("Service stop timeout, some components may not have stopped gracefully")
		return types.WrapError(ctx.Err(), "shutdown timeout")
	}
}

// closeResources releases the provider and the cache tiers concurrently.
func (s *Service) closeResources() error {
	var g errgroup.Group

	if closer, ok := s.provider.(io.Closer); ok {
		g.Go(func() error {
			return types.WrapError(closer.Close(), "provider")
		})
	}

	switch {
	case s.caches != nil:
		g.Go(func() error {
			return types.WrapError(s.caches.Close(), "cache")
		})
	case s.shared != nil:
		g.Go(func() error {
			return types.WrapError(s.shared.Close(), "shared cache")
		})
	}

	return g.Wait()
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}
		case <-s.ctx.Done():
		}
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case errors.Is(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}

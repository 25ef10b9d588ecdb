package health

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

const defaultCheckTimeout = 3 * time.Second

// Manager runs the registered checkers in parallel and folds them into one
// report. A checker that fails, panics or times out never aborts the report;
// it is recorded as unknown.
type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	service      types.ServiceInfo
	clock        types.Clock
	logger       types.Logger
	score        types.Gauge
	checkers     map[string]types.HealthChecker
	last         types.HealthReport
	startedAt    atomic.Int64
	mu           sync.RWMutex
	state        atomic.Value
	checkTimeout time.Duration
}

var _ types.HealthManager = (*Manager)(nil)

func NewManager(ctx context.Context, config *types.HealthConfig, service types.ServiceInfo, clock types.Clock, logger types.Logger, metrics types.MetricsManager) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)

	if clock == nil {
		clock = types.SystemClock{}
	}

	checkTimeout := defaultCheckTimeout
	if config != nil && config.CheckTimeout > 0 {
		checkTimeout = config.CheckTimeout
	}

	manager := &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		service:      service,
		clock:        clock,
		logger:       logger,
		score:        metrics.Gauge("health_score", nil),
		checkers:     make(map[string]types.HealthChecker),
		checkTimeout: checkTimeout,
	}

	manager.state.Store(StateStopped)
	manager.startedAt.Store(clock.Now().UnixNano())

	return manager
}

// uptime is measured from the last Start, or from construction before that.
func (hm *Manager) uptime(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, hm.startedAt.Load()))
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	if checker == nil {
		return
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

// Checkers lists registered checker names, sorted.
func (hm *Manager) Checkers() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	results := make(map[string]types.HealthCheck, len(checkers))
	var (
		resultMu sync.Mutex
		g        errgroup.Group
	)

	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			result := hm.executeCheck(ctx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	report := hm.buildReport(results)
	hm.score.Set(report.Score)

	hm.mu.Lock()
	hm.last = report
	hm.mu.Unlock()

	return report
}

// Last is the most recent report produced by Check.
func (hm *Manager) Last() types.HealthReport {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.last
}

func (hm *Manager) Start() error {
	if !hm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	hm.startedAt.Store(hm.clock.Now().UnixNano())
	hm.setState(StateRunning)

	hm.logger.Info("Health manager started", zap.Strings("checks", hm.Checkers()))
	return nil
}

func (hm *Manager) Stop() error {
	if !hm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	hm.cancel()
	hm.setState(StateStopped)

	hm.logger.Info("Health manager stopped")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.getState() == StateRunning
}

func (hm *Manager) getState() State {
	return hm.state.Load().(State)
}

func (hm *Manager) setState(newState State) bool {
	currentState := hm.getState()
	return hm.state.CompareAndSwap(currentState, newState)
}

func (hm *Manager) transitionState(from, to State) bool {
	return hm.state.CompareAndSwap(from, to)
}

// RegisterRoutes mounts /health, /health/live and /version. None of them
// pass through rate limiting and all are served no-store.
func (hm *Manager) RegisterRoutes(router types.HTTPRouter) error {
	config := &types.RouteConfig{
		CacheControl:        utils.CacheControlNoStore,
		DisabledMiddlewares: []string{"rate_limit"},
	}

	if err := router.GET("/health", hm.handleHealth, config); err != nil {
		return err
	}
	if err := router.GET("/health/live", hm.handleLive, config); err != nil {
		return err
	}
	return router.GET("/version", hm.handleVersion, config)
}

func (hm *Manager) handleHealth(ctx *fasthttp.RequestCtx) {
	if !hm.IsRunning() {
		utils.WriteError(ctx, fasthttp.StatusServiceUnavailable, "HEALTH_NOT_RUNNING", "health manager is not running")
		return
	}

	report := hm.Check(hm.ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	utils.SetNoCache(ctx)
	utils.WriteJSON(ctx, status, report)
}

func (hm *Manager) handleLive(ctx *fasthttp.RequestCtx) {
	utils.SetNoCache(ctx)
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": hm.uptime(hm.clock.Now()).String(),
	})
}

func (hm *Manager) handleVersion(ctx *fasthttp.RequestCtx) {
	build := ReadBuildInfo()

	utils.SetNoCache(ctx)
	utils.WriteJSON(ctx, fasthttp.StatusOK, types.VersionInfo{
		Name:      hm.service.Name,
		Version:   hm.service.Version,
		GoVersion: runtime.Version(),
		Build:     build.String(),
	})
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := hm.clock.Now()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	unknown := func(message string) types.HealthCheck {
		return types.HealthCheck{
			Name:      name,
			Status:    types.StatusUnknown,
			Message:   message,
			LastCheck: hm.clock.Now(),
			Duration:  hm.clock.Now().Sub(start),
		}
	}

	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				hm.logger.Error("Health check panicked", zap.String("check", name), zap.Any("panic", r))
				resultChan <- unknown(fmt.Sprintf("%v: %v", types.ErrHealthCheckPanic, r))
			}
		}()

		result, res := checker(checkCtx)
		if !res.IsOK() {
			hm.logger.Warn("Health check failed", zap.String("check", name), zap.Error(res.Unwrap()))
			resultChan <- unknown(types.WrapError(res.Unwrap(), types.ErrHealthCheckFailed.Error()).Error())
			return
		}

		result.Name = name
		result.LastCheck = hm.clock.Now()
		result.Duration = result.LastCheck.Sub(start)
		resultChan <- result
	}()

	select {
	case result := <-resultChan:
		return result
	case <-checkCtx.Done():
		hm.logger.Warn("Health check timed out", zap.String("check", name), zap.Duration("timeout", hm.checkTimeout))
		return unknown(types.ErrHealthCheckTimeout.Error())
	}
}

// buildReport: any unhealthy check makes the report unhealthy, otherwise
// any degraded or unknown check makes it degraded.
func (hm *Manager) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	summary := types.HealthSummary{Total: len(results)}

	overall := types.StatusHealthy
	total := 0.0

	for _, result := range results {
		total += result.Status.Weight()

		switch result.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusDegraded:
			summary.Degraded++
			if overall == types.StatusHealthy {
				overall = types.StatusDegraded
			}
		case types.StatusUnhealthy:
			summary.Unhealthy++
			overall = types.StatusUnhealthy
		default:
			summary.Unknown++
			if overall == types.StatusHealthy {
				overall = types.StatusDegraded
			}
		}
	}

	score := float64(100)
	if len(results) > 0 {
		score = total / float64(len(results))
	}

	now := hm.clock.Now()

	return types.HealthReport{
		Status:    overall,
		Score:     score,
		Timestamp: now,
		Uptime:    hm.uptime(now),
		Service:   hm.service,
		Checks:    results,
		Summary:   summary,
	}
}

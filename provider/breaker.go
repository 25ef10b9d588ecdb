package provider

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
)

// CircuitBreaker trips after FailureThreshold consecutive failures, rejects
// calls for RecoveryTimeout, then lets calls through half-open until
// HalfOpenRequests successes close it again. A nil or disabled breaker
// always admits.
type CircuitBreaker struct {
	config    types.CircuitBreakerConfig
	logger    types.Logger
	clock     types.Clock
	name      string
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	lastFail  atomic.Int64
	mutex     sync.Mutex
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, clock types.Clock, logger types.Logger, name string) *CircuitBreaker {
	if config == nil || !config.Enabled {
		return nil
	}

	cfg := *config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	if clock == nil {
		clock = types.SystemClock{}
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		clock:  clock,
		name:   name,
	}
	cb.state.Store(StateBreakerClosed)

	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getState() {
	case StateBreakerOpen:
		if cb.clock.Now().Sub(time.Unix(0, cb.lastFail.Load())) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateBreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getState() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		if cb.successes.Add(1) >= int32(cb.config.HalfOpenRequests) {
			cb.transitionTo(StateBreakerClosed)
		}
	case StateBreakerOpen:
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(cb.clock.Now().UnixNano())

	switch cb.getState() {
	case StateBreakerClosed:
		failures := cb.failures.Add(1)
		cb.logger.Debug("Provider failure recorded",
			zap.String("provider", cb.name),
			zap.Int32("failures", failures),
			zap.Int("threshold", cb.config.FailureThreshold))

		if failures >= int32(cb.config.FailureThreshold) {
			cb.transitionTo(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transitionTo(StateBreakerOpen)
	case StateBreakerOpen:
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	if cb == nil {
		return StateBreakerClosed
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.getState()
}

func (cb *CircuitBreaker) getState() CircuitBreakerState {
	return cb.state.Load().(CircuitBreakerState)
}

func (cb *CircuitBreaker) transitionTo(next CircuitBreakerState) {
	current := cb.getState()
	if !cb.state.CompareAndSwap(current, next) {
		return
	}

	cb.successes.Store(0)

	switch next {
	case StateBreakerClosed:
		cb.failures.Store(0)
		cb.logger.Info("Circuit breaker closed", zap.String("provider", cb.name))
	case StateBreakerOpen:
		cb.logger.Warn("Circuit breaker opened",
			zap.String("provider", cb.name),
			zap.Int32("failures", cb.failures.Load()),
			zap.Duration("recovery_timeout", cb.config.RecoveryTimeout))
	case StateBreakerHalfOpen:
		cb.logger.Info("Circuit breaker half-open", zap.String("provider", cb.name))
	}
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// IsCircuitBreakerFailure reports whether an upstream outcome should count
// against the breaker.
func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return statusCode >= 500
	}
}

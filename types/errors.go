package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrHandlerIsNil         = errors.New("handler is nil")
	ErrRouteExists          = errors.New("route already registered")
)

var (
	ErrMiddlewareNotFound = errors.New("middleware not found")
	ErrMiddlewareExists   = errors.New("middleware already registered")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
)

var (
	ErrCacheKeyEmpty         = errors.New("cache key empty")
	ErrCacheEntryTooLarge    = errors.New("cache entry exceeds memory budget")
	ErrCacheValueUnsized     = errors.New("cache value size unknown")
	ErrCacheConnectionFailed = errors.New("cache connection failed")
	ErrCacheCategoryUnknown  = errors.New("cache category unknown")
	ErrEvictionStrategy      = errors.New("eviction strategy unknown")
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTypeUnknown = errors.New("provider type unknown")
	ErrProviderResponse    = errors.New("provider response invalid")
	ErrSymbolInvalid       = errors.New("symbol invalid")
	ErrRangeInvalid        = errors.New("range invalid")
	ErrFeatureDisabled     = errors.New("feature disabled")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
)

var (
	ErrStreamBadMessage = errors.New("bad message")
	ErrStreamHubStopped = errors.New("stream hub stopped")
)

var (
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
	ErrHealthCheckPanic   = errors.New("health check panicked")
)

var (
	ErrLogFileIsEmpty = errors.New("log file is empty")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInternalError    = errors.New("internal error")
	ErrTaskStopped      = errors.New("task stopped")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

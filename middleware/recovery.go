package middleware

import (
	"runtime"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const RecoveryName = "recovery"

type RecoveryMiddleware struct {
	logger       types.Logger
	panics       types.Counter
	config       *RecoveryConfig
	weight       int
	stackBufPool sync.Pool
}

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

func NewRecoveryMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	config := &RecoveryConfig{StackTrace: true}
	weight := 10

	if item != nil {
		weight = item.Weight
		if item.Params != nil {
			if err := utils.UnmarshalConfig(item.Params, config); err != nil {
				logger.Error("Failed to unmarshal Recovery middleware config", zap.Error(err))
			}
		}
	}

	return &RecoveryMiddleware{
		logger: logger,
		panics: metrics.Counter("http_panics_total", nil),
		config: config,
		weight: weight,
		stackBufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

func (r *RecoveryMiddleware) Name() string { return RecoveryName }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			var stack string
			if r.config.StackTrace {
				stack = r.stackTrace()
			}

			r.panics.Inc()
			r.logPanic(rec, stack, ctx)

			ctx.Response.Reset()
			utils.CreateErrorResponse(ctx)
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) logPanic(rec interface{}, stack string, ctx *fasthttp.RequestCtx) {
	fields := make([]zap.Field, 0, 7)
	fields = append(fields,
		zap.Any("panic", rec),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", ctx.RemoteIP().String()),
	)

	if stack != "" {
		fields = append(fields, zap.String("stack", stack))
	}

	if requestID := ctx.Request.Header.Peek(utils.HeaderRequestID); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	if userAgent := ctx.UserAgent(); len(userAgent) > 0 {
		fields = append(fields, zap.ByteString("user_agent", userAgent))
	}

	r.logger.Error("Recovered from panic", fields...)
}

func (r *RecoveryMiddleware) stackTrace() string {
	buf := r.stackBufPool.Get().(*[]byte)
	defer r.stackBufPool.Put(buf)

	n := runtime.Stack(*buf, false)
	if n < len(*buf) {
		return string((*buf)[:n])
	}

	large := make([]byte, 65536)
	n = runtime.Stack(large, false)
	return string(large[:n])
}

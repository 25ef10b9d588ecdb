package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const (
	LoggingName    = "logging"
	unmatchedRoute = "unmatched"
	maxLoggedBody  = 1000
)

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

var requestDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// LoggingMiddleware logs every request and records the HTTP request
// metrics. Metrics are labelled by registered route, never by raw path.
type LoggingMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	config  *LoggingConfig
	weight  int
}

type LoggingConfig struct {
	LogLevel   string `json:"log_level"`
	LogHeaders bool   `json:"log_headers"`
	LogBody    bool   `json:"log_body"`
}

func NewLoggingMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *LoggingMiddleware {
	config := &LoggingConfig{LogLevel: "info"}
	weight := 30

	if item != nil {
		weight = item.Weight
		if item.Params != nil {
			if err := utils.UnmarshalConfig(item.Params, config); err != nil {
				logger.Error("Failed to unmarshal Logging middleware config", zap.Error(err))
			}
		}
	}

	return &LoggingMiddleware{
		logger:  logger,
		metrics: metrics,
		config:  config,
		weight:  weight,
	}
}

func (l *LoggingMiddleware) Name() string { return LoggingName }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	start := time.Now()

	l.logRequest(ctx)

	next(ctx)

	duration := time.Since(start)
	l.logResponse(ctx, duration)
	l.record(ctx, config, duration)
}

func (l *LoggingMiddleware) record(ctx *fasthttp.RequestCtx, config *types.RouteConfig, duration time.Duration) {
	route := unmatchedRoute
	if config != nil && config.Path != "" {
		route = config.Path
	}

	method := string(ctx.Method())

	l.metrics.Counter("http_requests_total", map[string]string{
		"method": method,
		"path":   route,
		"status": strconv.Itoa(ctx.Response.StatusCode()),
	}).Inc()

	l.metrics.Histogram("http_request_duration_seconds", requestDurationBuckets, map[string]string{
		"method": method,
		"path":   route,
	}).Observe(duration.Seconds())
}

func (l *LoggingMiddleware) logRequest(ctx *fasthttp.RequestCtx) {
	fields := []zap.Field{
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", remoteAddr(ctx)),
		zap.ByteString("user_agent", ctx.UserAgent()),
	}

	if query := ctx.QueryArgs().QueryString(); len(query) > 0 {
		fields = append(fields, zap.ByteString("query", query))
	}

	if requestID := ctx.Request.Header.Peek(utils.HeaderRequestID); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	if l.config.LogHeaders {
		fields = append(fields, zap.Any("headers", sanitizeHeaders(ctx)))
	}

	l.logWithLevel("Request started", fields...)
}

func (l *LoggingMiddleware) logResponse(ctx *fasthttp.RequestCtx, duration time.Duration) {
	status := ctx.Response.StatusCode()

	fields := []zap.Field{
		zap.Duration("duration", duration),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.Int("status", status),
	}

	if requestID := ctx.Request.Header.Peek(utils.HeaderRequestID); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	if l.config.LogBody {
		if body := ctx.Response.Body(); len(body) > maxLoggedBody {
			fields = append(fields,
				zap.String("response", string(body[:maxLoggedBody])+"..."),
				zap.Int("response_body_truncated", len(body)))
		} else if len(body) > 0 {
			fields = append(fields, zap.ByteString("response", body))
		}
	}

	switch {
	case status >= 500:
		l.logger.Error("Request completed", fields...)
	case status >= 400:
		l.logger.Warn("Request completed", fields...)
	default:
		l.logWithLevel("Request completed", fields...)
	}
}

func (l *LoggingMiddleware) logWithLevel(msg string, fields ...zap.Field) {
	switch l.config.LogLevel {
	case "debug":
		l.logger.Debug(msg, fields...)
	case "warn":
		l.logger.Warn(msg, fields...)
	case "error":
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}

func sanitizeHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	sanitized := make(map[string]string, 16)

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if sensitiveHeaders[strings.ToLower(name)] {
			sanitized[name] = "[REDACTED]"
			return
		}
		sanitized[name] = string(value)
	})

	return sanitized
}

// remoteAddr prefers the first X-Forwarded-For hop, then X-Real-IP.
func remoteAddr(ctx *fasthttp.RequestCtx) string {
	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			return strings.TrimSpace(forwarded[:comma])
		}
		return strings.TrimSpace(forwarded)
	}

	if realIP := string(ctx.Request.Header.Peek("X-Real-IP")); realIP != "" {
		return realIP
	}

	return ctx.RemoteIP().String()
}

package middleware

import (
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const (
	RequestIDName = "request_id"
	// RequestIDKey is the user value holding the request id.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware accepts a caller supplied X-Request-ID or generates
// one, and echoes it on the response.
type RequestIDMiddleware struct {
	logger types.Logger
	config *RequestIDConfig
	weight int
}

type RequestIDConfig struct {
	TrustIncoming bool `json:"trust_incoming"`
	MaxLength     int  `json:"max_length"`
}

func NewRequestIDMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *RequestIDMiddleware {
	config := &RequestIDConfig{TrustIncoming: true, MaxLength: 128}
	weight := 20

	if item != nil {
		weight = item.Weight
		if item.Params != nil {
			if err := utils.UnmarshalConfig(item.Params, config); err != nil {
				logger.Error("Failed to unmarshal RequestID middleware config", zap.Error(err))
			}
		}
	}

	return &RequestIDMiddleware{logger: logger, config: config, weight: weight}
}

func (m *RequestIDMiddleware) Name() string { return RequestIDName }
func (m *RequestIDMiddleware) Weight() int  { return m.weight }

func (m *RequestIDMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	requestID := m.incoming(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx.Request.Header.Set(utils.HeaderRequestID, requestID)
	}

	ctx.SetUserValue(RequestIDKey, requestID)

	next(ctx)

	ctx.Response.Header.Set(utils.HeaderRequestID, requestID)
}

func (m *RequestIDMiddleware) incoming(ctx *fasthttp.RequestCtx) string {
	if !m.config.TrustIncoming {
		return ""
	}

	value := ctx.Request.Header.Peek(utils.HeaderRequestID)
	if len(value) == 0 {
		return ""
	}

	if m.config.MaxLength > 0 && len(value) > m.config.MaxLength {
		m.logger.Debug("Dropping oversized request id", zap.Int("length", len(value)))
		return ""
	}

	return string(value)
}

package middleware

import (
	"bytes"
	"net/netip"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/ratelimit"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const RateLimitName = "rate_limit"

var (
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
	commaBytes      = []byte(",")
)

// RateLimitMiddleware admits a request only when the caller's token bucket
// has a token left. Requests from a trusted proxy are identified by
// IdentityHeader, then by X-Real-IP or the first X-Forwarded-For hop. Any
// other request is identified by its peer address alone.
type RateLimitMiddleware struct {
	logger   types.Logger
	limiter  *ratelimit.Limiter
	config   *RateLimitParams
	trusted  []netip.Prefix
	weight   int
	allowed  types.Counter
	rejected types.Counter
}

type RateLimitParams struct {
	IdentityHeader string   `json:"identity_header"`
	TrustedProxies []string `json:"trusted_proxies"`
}

func NewRateLimitMiddleware(item *types.MiddlewareItemConfig, limiter *ratelimit.Limiter, logger types.Logger, metrics types.MetricsManager) *RateLimitMiddleware {
	config := &RateLimitParams{}
	weight := 50

	if item != nil {
		weight = item.Weight
		if item.Params != nil {
			if err := utils.UnmarshalConfig(item.Params, config); err != nil {
				logger.Error("Failed to unmarshal RateLimit middleware config", zap.Error(err))
			}
		}
	}

	return &RateLimitMiddleware{
		logger:   logger,
		limiter:  limiter,
		config:   config,
		trusted:  parseTrustedProxies(config.TrustedProxies, logger),
		weight:   weight,
		allowed:  metrics.Counter("ratelimit_decisions_total", map[string]string{"result": "allowed"}),
		rejected: metrics.Counter("ratelimit_decisions_total", map[string]string{"result": "rejected"}),
	}
}

func (rl *RateLimitMiddleware) Name() string { return RateLimitName }
func (rl *RateLimitMiddleware) Weight() int  { return rl.weight }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	identity := rl.identity(ctx)
	decision := rl.limiter.Reserve(identity)

	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

	if !decision.Allowed {
		rl.rejected.Inc()
		rl.logger.Debug("Request rate limited",
			zap.String("identity", identity),
			zap.ByteString("path", ctx.Path()),
			zap.Duration("retry_after", decision.RetryAfter))

		ctx.Response.Header.Set(fasthttp.HeaderRetryAfter, strconv.Itoa(decision.RetryAfterSeconds()))
		utils.WriteError(ctx, fasthttp.StatusTooManyRequests, "RATE_LIMITED", types.ErrRateLimitExceeded.Error())
		return
	}

	rl.allowed.Inc()
	next(ctx)
}

func (rl *RateLimitMiddleware) identity(ctx *fasthttp.RequestCtx) string {
	remote := ctx.RemoteIP()
	if !rl.fromTrustedProxy(remote) {
		return "ip:" + remote.String()
	}

	if rl.config.IdentityHeader != "" {
		if value := ctx.Request.Header.Peek(rl.config.IdentityHeader); len(value) > 0 {
			return "key:" + string(value)
		}
	}

	if ip := forwardedIP(ctx); len(ip) > 0 {
		return "ip:" + string(ip)
	}
	return "ip:" + remote.String()
}

func (rl *RateLimitMiddleware) fromTrustedProxy(remote []byte) bool {
	if len(rl.trusted) == 0 {
		return false
	}

	addr, ok := netip.AddrFromSlice(remote)
	if !ok {
		return false
	}
	addr = addr.Unmap()

	for _, prefix := range rl.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseTrustedProxies accepts CIDR prefixes and bare addresses. Invalid
// entries are logged and skipped.
func parseTrustedProxies(values []string, logger types.Logger) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(values))

	for _, value := range values {
		value = strings.TrimSpace(value)
		if strings.Contains(value, "/") {
			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				logger.Warn("Ignoring invalid trusted proxy", zap.String("value", value), zap.Error(err))
				continue
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(value)
		if err != nil {
			logger.Warn("Ignoring invalid trusted proxy", zap.String("value", value), zap.Error(err))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return prefixes
}

func forwardedIP(ctx *fasthttp.RequestCtx) []byte {
	if realIP := ctx.Request.Header.PeekBytes(realIPHeader); len(realIP) > 0 {
		return bytes.TrimSpace(realIP)
	}

	if forwarded := ctx.Request.Header.PeekBytes(forwardedHeader); len(forwarded) > 0 {
		if comma := bytes.Index(forwarded, commaBytes); comma > 0 {
			return bytes.TrimSpace(forwarded[:comma])
		}
		return bytes.TrimSpace(forwarded)
	}

	return nil
}

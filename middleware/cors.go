package middleware

import (
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const CORSName = "cors"

var (
	trueBytes      = []byte("true")
	asteriskBytes  = []byte("*")
	varyOrigin     = []byte("Origin")
	varyPreflight  = []byte("Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	exposedDefault = []string{utils.HeaderRequestID, "X-Cache", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"}
)

// CORSMiddleware answers preflight requests and stamps allow headers on
// cross-origin responses. Header values are joined once at construction.
type CORSMiddleware struct {
	logger           types.Logger
	config           *CORSConfig
	weight           int
	allowsAll        bool
	origins          map[string]bool
	wildcardDomains  []string
	allowedMethods   []byte
	allowedHeaders   []byte
	exposedHeaders   []byte
	maxAge           []byte
	allowCredentials bool
}

type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

func NewCORSMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *CORSMiddleware {
	config := &CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key", utils.HeaderRequestID},
		ExposedHeaders: exposedDefault,
		MaxAge:         86400,
	}
	weight := 40

	if item != nil {
		weight = item.Weight
		if item.Params != nil {
			if err := utils.UnmarshalConfig(item.Params, config); err != nil {
				logger.Error("Failed to unmarshal CORS middleware config", zap.Error(err))
			}
		}
	}

	c := &CORSMiddleware{
		logger:           logger,
		config:           config,
		weight:           weight,
		allowCredentials: config.AllowCredentials,
	}
	c.precompile()

	return c
}

func (c *CORSMiddleware) Name() string { return CORSName }
func (c *CORSMiddleware) Weight() int  { return c.weight }

func (c *CORSMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	origin := ctx.Request.Header.Peek(fasthttp.HeaderOrigin)
	if len(origin) == 0 {
		next(ctx)
		return
	}

	if !c.originAllowed(origin) {
		c.logger.Warn("CORS request blocked",
			zap.ByteString("origin", origin),
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()))

		utils.WriteError(ctx, fasthttp.StatusForbidden, "CORS_FORBIDDEN", "origin not allowed")
		return
	}

	if ctx.IsOptions() && len(ctx.Request.Header.Peek(fasthttp.HeaderAccessControlRequestMethod)) > 0 {
		c.preflight(ctx, origin)
		return
	}

	next(ctx)
	c.addHeaders(ctx, origin)
}

func (c *CORSMiddleware) originAllowed(origin []byte) bool {
	if c.allowsAll {
		return true
	}

	value := string(origin)
	if c.origins[value] {
		return true
	}

	host := originHost(value)
	for _, domain := range c.wildcardDomains {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	return false
}

func originHost(origin string) string {
	if i := strings.Index(origin, "://"); i >= 0 {
		origin = origin[i+3:]
	}
	if i := strings.IndexByte(origin, ':'); i >= 0 {
		origin = origin[:i]
	}
	return origin
}

func (c *CORSMiddleware) allowOrigin(ctx *fasthttp.RequestCtx, origin []byte) {
	if c.allowsAll && !c.allowCredentials {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowOrigin, asteriskBytes)
	} else {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowOrigin, origin)
	}

	if c.allowCredentials {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowCredentials, trueBytes)
	}
}

func (c *CORSMiddleware) addHeaders(ctx *fasthttp.RequestCtx, origin []byte) {
	c.allowOrigin(ctx, origin)

	if len(c.exposedHeaders) > 0 {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlExposeHeaders, c.exposedHeaders)
	}

	ctx.Response.Header.AddBytesV(fasthttp.HeaderVary, varyOrigin)
}

func (c *CORSMiddleware) preflight(ctx *fasthttp.RequestCtx, origin []byte) {
	ctx.SetStatusCode(fasthttp.StatusNoContent)
	c.allowOrigin(ctx, origin)

	ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowMethods, c.allowedMethods)
	ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlAllowHeaders, c.allowedHeaders)
	ctx.Response.Header.SetBytesV(fasthttp.HeaderAccessControlMaxAge, c.maxAge)
	ctx.Response.Header.SetBytesV(fasthttp.HeaderVary, varyPreflight)
	ctx.SetBody(nil)
}

func (c *CORSMiddleware) precompile() {
	c.allowsAll = len(c.config.AllowedOrigins) == 1 && c.config.AllowedOrigins[0] == "*"

	if !c.allowsAll {
		c.origins = make(map[string]bool, len(c.config.AllowedOrigins))
		for _, origin := range c.config.AllowedOrigins {
			if domain, ok := strings.CutPrefix(origin, "*."); ok {
				c.wildcardDomains = append(c.wildcardDomains, domain)
				continue
			}
			c.origins[origin] = true
		}
	}

	c.allowedMethods = []byte(strings.Join(c.config.AllowedMethods, ", "))
	c.allowedHeaders = []byte(strings.Join(c.config.AllowedHeaders, ", "))
	c.exposedHeaders = []byte(strings.Join(c.config.ExposedHeaders, ", "))
	c.maxAge = []byte(strconv.Itoa(c.config.MaxAge))
}


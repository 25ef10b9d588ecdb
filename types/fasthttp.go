package types

import "github.com/valyala/fasthttp"

type FastHTTPHandler func(ctx *fasthttp.RequestCtx)

type HTTPRouter interface {
	Add(method, path string, handler FastHTTPHandler, config *RouteConfig) error
	GET(path string, handler FastHTTPHandler, config *RouteConfig) error
	DELETE(path string, handler FastHTTPHandler, config *RouteConfig) error
	Lookup(method, path []byte) (*RouteInfo, bool)
	Routes() []RouteDefinition
}

// RouteConfig is copied per route at registration. Path is filled in by the
// router and stays empty for requests that match no route.
type RouteConfig struct {
	Path                string
	DisabledMiddlewares []string
	CacheControl        string
}

type RouteInfo struct {
	Handler FastHTTPHandler
	Config  *RouteConfig
}

type RouteDefinition struct {
	Method string
	Path   string
}

// Disables reports whether the named middleware is switched off for the route.
func (rc *RouteConfig) Disables(name string) bool {
	if rc == nil {
		return false
	}
	for _, disabled := range rc.DisabledMiddlewares {
		if disabled == name {
			return true
		}
	}
	return false
}

package server

import (
	"sort"
	"strings"
	"sync"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

var methodIndex = map[string]uint8{
	"GET":     0,
	"POST":    1,
	"PUT":     2,
	"DELETE":  3,
	"PATCH":   4,
	"HEAD":    5,
	"OPTIONS": 6,
}

// Router is an exact-match router keyed by "METHOD:/path". Every route in
// this service is static, so there is no parameter trie.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*types.RouteInfo
	order  []types.RouteDefinition
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]*types.RouteInfo)}
}

func routeKey(method, path string) string {
	return method + ":" + normalizePath(path)
}

func normalizePath(path string) string {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		return "/"
	}
	return path
}

func (r *Router) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) error {
	method = strings.ToUpper(method)
	if _, ok := methodIndex[method]; !ok {
		return types.Errorf(types.ErrInvalidParameter, "method: %s", method)
	}
	if handler == nil {
		return types.Errorf(types.ErrHandlerIsNil, "%s %s", method, path)
	}
	routeConfig := &types.RouteConfig{}
	if config != nil {
		*routeConfig = *config
	}
	routeConfig.Path = normalizePath(path)

	key := routeKey(method, path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[key]; exists {
		return types.Errorf(types.ErrRouteExists, "%s %s", method, path)
	}

	r.routes[key] = &types.RouteInfo{Handler: handler, Config: routeConfig}
	r.order = append(r.order, types.RouteDefinition{Method: method, Path: normalizePath(path)})

	return nil
}

func (r *Router) GET(path string, handler types.FastHTTPHandler, config *types.RouteConfig) error {
	return r.Add("GET", path, handler, config)
}

func (r *Router) DELETE(path string, handler types.FastHTTPHandler, config *types.RouteConfig) error {
	return r.Add("DELETE", path, handler, config)
}

func (r *Router) Lookup(method, path []byte) (*types.RouteInfo, bool) {
	key := routeKey(utils.BytesToString(method), utils.BytesToString(path))

	r.mu.RLock()
	info, ok := r.routes[key]
	r.mu.RUnlock()

	return info, ok
}

// Allowed lists the methods registered for path, sorted.
func (r *Router) Allowed(path []byte) []string {
	p := normalizePath(utils.BytesToString(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var methods []string
	for _, def := range r.order {
		if def.Path == p {
			methods = append(methods, def.Method)
		}
	}
	sort.Strings(methods)
	return methods
}

func (r *Router) Routes() []types.RouteDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.RouteDefinition(nil), r.order...)
}

// Group applies a path prefix and shared route settings to every route added
// through it.
type Group struct {
	router types.HTTPRouter
	prefix string
	config types.RouteConfig
}

func NewGroup(router types.HTTPRouter, prefix string, config *types.RouteConfig) *Group {
	g := &Group{router: router, prefix: strings.TrimRight(prefix, "/")}
	if config != nil {
		g.config = *config
	}
	return g
}

func (g *Group) merge(config *types.RouteConfig) *types.RouteConfig {
	merged := &types.RouteConfig{
		DisabledMiddlewares: append([]string(nil), g.config.DisabledMiddlewares...),
		CacheControl:        g.config.CacheControl,
	}
	if config != nil {
		merged.DisabledMiddlewares = append(merged.DisabledMiddlewares, config.DisabledMiddlewares...)
		if config.CacheControl != "" {
			merged.CacheControl = config.CacheControl
		}
	}
	return merged
}

func (g *Group) GET(path string, handler types.FastHTTPHandler, config *types.RouteConfig) error {
	return g.router.Add("GET", g.prefix+path, handler, g.merge(config))
}

func (g *Group) DELETE(path string, handler types.FastHTTPHandler, config *types.RouteConfig) error {
	return g.router.Add("DELETE", g.prefix+path, handler, g.merge(config))
}

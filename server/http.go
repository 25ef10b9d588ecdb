package server

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

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

type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	middlewares     types.MiddlewareManager
	router          *Router
	server          *fasthttp.Server
	listener        net.Listener
	httpConfig      *types.HTTPConfig
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(
	ctx context.Context,
	config *types.HTTPConfig,
	logger types.Logger,
	middlewares types.MiddlewareManager,
	router *Router) (*FastHTTPServer, error) {
	if config == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "server.http")
	}
	if router == nil {
		router = NewRouter()
	}

	shutdownTimeout := time.Duration(config.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	serverCtx, cancel := context.WithCancel(ctx)

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		middlewares:     middlewares,
		router:          router,
		httpConfig:      config,
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server, nil
}

func (h *FastHTTPServer) Router() *Router { return h.router }

func (h *FastHTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	h.server = &fasthttp.Server{
		Handler:                      h.Handler(),
		Name:                         "marketd",
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	addr := net.JoinHostPort(h.httpConfig.Host, strconv.Itoa(h.httpConfig.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		h.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.setState(StateRunning)

	h.logger.Info("HTTP server started successfully",
		zap.String("address", listener.Addr().String()),
		zap.Int("routes", len(h.router.Routes())))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		select {
		case <-ctx.Done():
			h.logger.Warn("Server stop timeout, some connections may not have closed")
		default:
			h.logger.Error("Error during server shutdown", zap.Error(err))
		}
		return nil
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr is the bound address once the server is running.
func (h *FastHTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

// Handler dispatches to the router and runs the middleware chain. Unknown
// paths get a JSON 404, known paths with the wrong method a 405, and
// preflight requests run the chain with an empty handler so CORS can answer.
func (h *FastHTTPServer) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if info, ok := h.router.Lookup(ctx.Method(), ctx.Path()); ok {
			h.executeHandler(ctx, info.Handler, info.Config)
			return
		}

		allowed := h.router.Allowed(ctx.Path())
		known := &types.RouteConfig{Path: normalizePath(string(ctx.Path()))}

		if ctx.IsOptions() && len(allowed) > 0 {
			h.executeHandler(ctx, func(ctx *fasthttp.RequestCtx) {
				ctx.Response.Header.Set("Allow", strings.Join(allowed, ", "))
				ctx.SetStatusCode(fasthttp.StatusNoContent)
			}, known)
			return
		}

		if len(allowed) > 0 {
			h.executeHandler(ctx, func(ctx *fasthttp.RequestCtx) {
				ctx.Response.Header.Set("Allow", strings.Join(allowed, ", "))
				utils.WriteError(ctx, fasthttp.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			}, known)
			return
		}

		h.executeHandler(ctx, func(ctx *fasthttp.RequestCtx) {
			utils.WriteError(ctx, fasthttp.StatusNotFound, "NOT_FOUND", "route not found")
		}, &types.RouteConfig{})
	}
}

func (h *FastHTTPServer) executeHandler(ctx *fasthttp.RequestCtx, handler types.FastHTTPHandler, config *types.RouteConfig) {
	final := func(ctx *fasthttp.RequestCtx) {
		handler(ctx)
		if config.CacheControl != "" && len(ctx.Response.Header.Peek(fasthttp.HeaderCacheControl)) == 0 {
			ctx.Response.Header.Set(fasthttp.HeaderCacheControl, config.CacheControl)
		}
	}

	if h.middlewares != nil {
		h.middlewares.Execute(ctx, final, config)
		return
	}

	final(ctx)
}

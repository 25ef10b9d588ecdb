package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/ratelimit"
	"github.com/saiset-co/sai-market/scheduler"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

type HubState int32

const (
	HubStateStopped HubState = iota
	HubStateStarting
	HubStateRunning
	HubStateStopping
)

// HubStats is a point-in-time view used by the health check.
type HubStats struct {
	Clients     int           `json:"clients"`
	Symbols     int           `json:"symbols"`
	Pending     int           `json:"pending"`
	DispatchLag time.Duration `json:"dispatch_lag"`
}

// Hub owns every stream connection, the per-symbol subscriber index and the
// dispatch, heartbeat and tick loops.
type Hub struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      types.StreamConfig
	logger      types.Logger
	metrics     types.MetricsManager
	clock       types.Clock
	limiter     *ratelimit.Limiter
	quotes      *Coalescer[string, types.Quote]
	source      QuoteSource
	ticker      *Ticker
	upgrader    websocket.Upgrader
	mu          sync.RWMutex
	clients     map[string]*Client
	subscribers map[string]map[string]*Client
	tasks       scheduler.Group
	pumps       sync.WaitGroup
	server      *http.Server
	listener    net.Listener
	state       atomic.Value
	lastRun     atomic.Int64
}

func withDefaults(config *types.StreamConfig) types.StreamConfig {
	cfg := types.StreamConfig{}
	if config != nil {
		cfg = *config
	}

	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 250 * time.Millisecond
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 10
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 20
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}

	return cfg
}

// NewHub builds a stopped hub. source may be nil, in which case quotes only
// arrive through Stage.
func NewHub(ctx context.Context, config *types.StreamConfig, source QuoteSource, clock types.Clock, logger types.Logger, metrics types.MetricsManager) (*Hub, error) {
	cfg := withDefaults(config)
	if clock == nil {
		clock = types.SystemClock{}
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Options{
		Capacity:        cfg.MessageBurst,
		RefillPerSecond: cfg.MessagesPerSecond,
		Clock:           clock,
	})
	if err != nil {
		return nil, types.WrapError(err, "stream message limiter")
	}

	hubCtx, cancel := context.WithCancel(ctx)

	h := &Hub{
		ctx:         hubCtx,
		cancel:      cancel,
		config:      cfg,
		logger:      logger,
		metrics:     metrics,
		clock:       clock,
		limiter:     limiter,
		quotes:      NewCoalescer[string, types.Quote](),
		source:      source,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	h.state.Store(HubStateStopped)

	return h, nil
}

func (h *Hub) Start() error {
	if !h.transitionState(HubStateStopped, HubStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if h.config.Port > 0 {
		addr := net.JoinHostPort(h.config.Host, strconv.Itoa(h.config.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			h.setState(HubStateStopped)
			return types.Errorf(types.ErrServerStartFailed, "stream listener %s: %v", addr, err)
		}

		mux := http.NewServeMux()
		mux.Handle(h.config.Path, h)

		h.listener = ln
		h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("Stream listener failed", zap.Error(err))
			}
		}()
	}

	h.lastRun.Store(h.clock.Now().UnixNano())

	h.tasks.Go(scheduler.Every(h.ctx, "stream-dispatch", h.config.DispatchInterval, h.logger, h.dispatch))
	h.tasks.Go(scheduler.Every(h.ctx, "stream-heartbeat", h.config.HeartbeatInterval, h.logger, h.heartbeat))

	if h.source != nil {
		h.ticker = NewTicker(h.ctx, h.source, h.config.TicksPerSecond, h.logger)
		h.tasks.Go(scheduler.Every(h.ctx, "stream-tick", h.config.TickInterval, h.logger, h.tick))
	}

	h.setState(HubStateRunning)

	h.logger.Info("Stream hub started",
		zap.String("addr", h.Addr()),
		zap.String("path", h.config.Path),
		zap.Duration("dispatch_interval", h.config.DispatchInterval),
		zap.Duration("heartbeat_interval", h.config.HeartbeatInterval))

	return nil
}

func (h *Hub) Stop() error {
	if !h.transitionState(HubStateRunning, HubStateStopping) {
		return types.ErrServerNotRunning
	}
	defer h.setState(HubStateStopped)

	h.tasks.StopAll()
	if h.ticker != nil {
		h.ticker.Stop()
	}

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteWait)
		if err := h.server.Shutdown(ctx); err != nil {
			h.logger.Warn("Stream listener shutdown incomplete", zap.Error(err))
		}
		cancel()
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c, websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Stream hub stopped gracefully")
	case <-time.After(h.config.WriteWait):
		h.logger.Warn("Stream hub stop timeout, some connections may not have closed")
	}

	h.cancel()
	return nil
}

func (h *Hub) IsRunning() bool {
	return h.getState() == HubStateRunning
}

func (h *Hub) getState() HubState {
	return h.state.Load().(HubState)
}

func (h *Hub) setState(newState HubState) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *Hub) transitionState(from, to HubState) bool {
	return h.state.CompareAndSwap(from, to)
}

// Addr is the bound listener address, or empty when the hub has no listener.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// ServeHTTP upgrades the request and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.IsRunning() {
		http.Error(w, types.ErrStreamHubStopped.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Stream upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h, conn)
	if !h.register(c) {
		deadline := time.Now().Add(h.config.WriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = conn.Close()
		return
	}

	go func() {
		defer h.pumps.Done()
		c.writePump()
	}()
	go func() {
		defer h.pumps.Done()
		c.readPump()
	}()
}

// register reports false once the hub has left the running state. The pump
// count is raised under the same lock Stop takes for its client snapshot.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if !h.IsRunning() {
		h.mu.Unlock()
		return false
	}
	h.clients[c.id] = c
	h.pumps.Add(2)
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.Gauge("stream_clients", nil).Set(float64(count))
	h.logger.Debug("Stream client connected", zap.String("client_id", c.id))
	return true
}

// unregister is idempotent; the first caller picks the close code.
func (h *Hub) unregister(c *Client, code int, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		c.close(code, reason)
		h.limiter.Forget(c.id)
		return
	}

	delete(h.clients, c.id)
	var orphaned []string
	for symbol := range c.symbols {
		if h.dropSubscriberLocked(symbol, c.id) {
			orphaned = append(orphaned, symbol)
		}
	}
	count := len(h.clients)
	h.mu.Unlock()

	c.close(code, reason)
	h.limiter.Forget(c.id)
	h.forget(orphaned)

	h.metrics.Gauge("stream_clients", nil).Set(float64(count))
	h.logger.Debug("Stream client disconnected",
		zap.String("client_id", c.id),
		zap.Duration("connected_for", h.clock.Now().Sub(c.connectedAt)))
}

// dropSubscriberLocked reports whether symbol has no subscribers left.
func (h *Hub) dropSubscriberLocked(symbol, clientID string) bool {
	subs, ok := h.subscribers[symbol]
	if !ok {
		return false
	}

	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.subscribers, symbol)
		return true
	}
	return false
}

func (h *Hub) forget(symbols []string) {
	f, ok := h.source.(interface{ Forget(string) })
	if !ok {
		return
	}
	for _, s := range symbols {
		f.Forget(s)
	}
}

func (h *Hub) handle(c *Client, data []byte) {
	now := h.clock.Now()

	if !h.limiter.Allow(c.id) {
		h.countMessage("in", "throttled")
		h.reply(c, errorMessage(types.CodeRateLimited, "message rate exceeded", now))
		return
	}

	msg, err := decodeClientMessage(data)
	if err != nil {
		h.countMessage("in", "invalid")
		h.reply(c, errorMessage(types.CodeBadMessage, err.Error(), now))
		return
	}

	h.countMessage("in", string(msg.Type))

	switch msg.Type {
	case types.MessagePing:
		h.reply(c, heartbeat(now))
	case types.MessageSubscribe:
		h.subscribe(c, msg.Symbols, now)
	case types.MessageUnsubscribe:
		h.unsubscribe(c, msg.Symbols, now)
	}
}

func normalizeSymbols(raw []string) ([]string, string) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))

	for _, value := range raw {
		symbol, err := types.NormalizeSymbol(value)
		if err != nil {
			return nil, value
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}

	return out, ""
}

func (h *Hub) subscribe(c *Client, raw []string, now time.Time) {
	symbols, bad := normalizeSymbols(raw)
	if bad != "" {
		h.reply(c, errorMessage(types.CodeBadSymbol, "invalid symbol: "+bad, now))
		return
	}

	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}

	total := len(c.symbols)
	for _, s := range symbols {
		if _, ok := c.symbols[s]; !ok {
			total++
		}
	}

	if limit := h.config.MaxSymbolsPerClient; limit > 0 && total > limit {
		h.mu.Unlock()
		h.reply(c, errorMessage(types.CodeTooManySymbols,
			"subscription limit is "+strconv.Itoa(limit)+" symbols", now))
		return
	}

	for _, s := range symbols {
		c.symbols[s] = struct{}{}
		subs, ok := h.subscribers[s]
		if !ok {
			subs = make(map[string]*Client)
			h.subscribers[s] = subs
		}
		subs[c.id] = c
	}
	h.mu.Unlock()

	h.reply(c, ack(types.MessageSubscribed, symbols, now))
}

func (h *Hub) unsubscribe(c *Client, raw []string, now time.Time) {
	symbols, bad := normalizeSymbols(raw)
	if bad != "" {
		h.reply(c, errorMessage(types.CodeBadSymbol, "invalid symbol: "+bad, now))
		return
	}

	var orphaned []string

	h.mu.Lock()
	for _, s := range symbols {
		if _, ok := c.symbols[s]; !ok {
			continue
		}
		delete(c.symbols, s)
		if h.dropSubscriberLocked(s, c.id) {
			orphaned = append(orphaned, s)
		}
	}
	h.mu.Unlock()

	h.forget(orphaned)
	h.reply(c, ack(types.MessageUnsubscribed, symbols, now))
}

// reply sends a message to one client, disconnecting it when it cannot keep up.
func (h *Hub) reply(c *Client, msg *types.ServerMessage) {
	data, err := utils.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal stream message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	h.deliver(c, data, msg.Type)
}

func (h *Hub) deliver(c *Client, data []byte, kind types.MessageType) bool {
	if c.enqueue(data) {
		h.countMessage("out", string(kind))
		return true
	}

	h.logger.Warn("Stream client too slow, disconnecting",
		zap.String("client_id", c.id),
		zap.Int("send_buffer", cap(c.send)))
	h.countMessage("out", "dropped")
	h.unregister(c, websocket.ClosePolicyViolation, "send buffer full")

	return false
}

// Stage queues a quote for the next dispatch, replacing any pending quote
// for the same symbol.
func (h *Hub) Stage(q types.Quote) {
	h.quotes.Stage(q.Symbol, q)
}

func (h *Hub) dispatch(context.Context) {
	sent := h.quotes.DrainAndSend(h.fanOut)

	h.lastRun.Store(h.clock.Now().UnixNano())
	if sent > 0 {
		h.metrics.Histogram("stream_dispatch_batch_size", []float64{1, 5, 10, 25, 50, 100, 250}, nil).Observe(float64(sent))
	}
}

func (h *Hub) fanOut(symbol string, q types.Quote) {
	h.mu.RLock()
	subs := h.subscribers[symbol]
	targets := make([]*Client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := utils.Marshal(priceUpdate(q))
	if err != nil {
		h.logger.Error("Failed to marshal price update", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	for _, c := range targets {
		h.deliver(c, data, types.MessagePriceUpdate)
	}
}

func (h *Hub) heartbeat(context.Context) {
	data, err := utils.Marshal(heartbeat(h.clock.Now()))
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data, types.MessageHeartbeat)
	}
}

func (h *Hub) tick(ctx context.Context) {
	h.ticker.Tick(ctx, h.Symbols(), h.Stage)
}

// Symbols returns every symbol with at least one subscriber, sorted.
func (h *Hub) Symbols() []string {
	h.mu.RLock()
	symbols := make([]string, 0, len(h.subscribers))
	for s := range h.subscribers {
		symbols = append(symbols, s)
	}
	h.mu.RUnlock()

	sort.Strings(symbols)
	return symbols
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DispatchLag is the time since the dispatch loop last ran.
func (h *Hub) DispatchLag() time.Duration {
	if !h.IsRunning() {
		return 0
	}
	return h.clock.Now().Sub(time.Unix(0, h.lastRun.Load()))
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	clients, symbols := len(h.clients), len(h.subscribers)
	h.mu.RUnlock()

	return HubStats{
		Clients:     clients,
		Symbols:     symbols,
		Pending:     h.quotes.Pending(),
		DispatchLag: h.DispatchLag(),
	}
}

func (h *Hub) countMessage(direction, kind string) {
	h.metrics.Counter("stream_messages_total", map[string]string{
		"direction": direction,
		"type":      kind,
	}).Inc()
}

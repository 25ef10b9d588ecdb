package stream

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
)

// QuoteSource produces the next quote for a symbol.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
}

// pacer hands out permits at a fixed rate with a small burst buffer.
type pacer struct {
	ch     chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newPacer(ctx context.Context, perSecond int) *pacer {
	burst := perSecond / 10
	if burst < 1 {
		burst = 1
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &pacer{
		ch:     make(chan struct{}, burst),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go p.run(pctx, ratelimit.New(perSecond))

	return p
}

func (p *pacer) run(ctx context.Context, rl ratelimit.Limiter) {
	defer close(p.done)

	for {
		rl.Take()
		select {
		case <-ctx.Done():
			return
		case p.ch <- struct{}{}:
		}
	}
}

func (p *pacer) wait(ctx context.Context) bool {
	select {
	case <-p.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *pacer) stop() {
	p.cancel()
	<-p.done
}

// Ticker polls the quote source for each subscribed symbol and stages the
// results. With ticksPerSecond > 0 the polls are paced across all symbols.
type Ticker struct {
	source QuoteSource
	pacer  *pacer
	logger types.Logger
}

func NewTicker(ctx context.Context, source QuoteSource, ticksPerSecond int, logger types.Logger) *Ticker {
	t := &Ticker{source: source, logger: logger}
	if ticksPerSecond > 0 {
		t.pacer = newPacer(ctx, ticksPerSecond)
	}
	return t
}

// Tick polls every symbol once and returns how many quotes were staged.
func (t *Ticker) Tick(ctx context.Context, symbols []string, stage func(types.Quote)) int {
	staged := 0

	for _, symbol := range symbols {
		if t.pacer != nil && !t.pacer.wait(ctx) {
			return staged
		}

		quote, err := t.source.Quote(ctx, symbol)
		if err != nil {
			t.logger.Debug("Quote source failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		stage(quote)
		staged++
	}

	return staged
}

func (t *Ticker) Stop() {
	if t.pacer != nil {
		t.pacer.stop()
	}
}

// WalkSource anchors each symbol on the provider's last price and then moves
// it by a small random step on every call.
type WalkSource struct {
	provider types.Provider
	clock    types.Clock
	mu       sync.Mutex
	last     map[string]float64
	rnd      *rand.Rand
}

func NewWalkSource(provider types.Provider, clock types.Clock, seed int64) *WalkSource {
	return &WalkSource{
		provider: provider,
		clock:    clock,
		last:     make(map[string]float64),
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

func (w *WalkSource) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	w.mu.Lock()
	price, ok := w.last[symbol]
	w.mu.Unlock()

	if !ok {
		kpis, err := w.provider.GetKPIs(ctx, symbol)
		if err != nil {
			return types.Quote{}, err
		}
		price = kpis.Price
	}

	w.mu.Lock()
	next := math.Round(price*(1+w.rnd.NormFloat64()*0.001)*100) / 100
	if next <= 0 {
		next = price
	}
	w.last[symbol] = next
	w.mu.Unlock()

	return types.Quote{
		Symbol:    symbol,
		Price:     next,
		Change:    math.Round((next-price)*100) / 100,
		Timestamp: w.clock.Now(),
	}, nil
}

// Forget drops the anchor for symbols nobody is subscribed to anymore.
func (w *WalkSource) Forget(symbol string) {
	w.mu.Lock()
	delete(w.last, symbol)
	w.mu.Unlock()
}

package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-market/logger"
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

type staticSource map[string]float64

func (s staticSource) Quote(_ context.Context, symbol string) (types.Quote, error) {
	price, ok := s[symbol]
	if !ok {
		return types.Quote{}, errors.New("no quote")
	}
	return types.Quote{Symbol: symbol, Price: price}, nil
}

// TestTicker_StagesEverySymbolAndSkipsFailures verifies one quote per healthy symbol is staged.
func TestTicker_StagesEverySymbolAndSkipsFailures(t *testing.T) {
	ticker := NewTicker(context.Background(), staticSource{"AAPL": 1, "MSFT": 2}, 1000, logger.NewNop())
	defer ticker.Stop()

	c := NewCoalescer[string, types.Quote]()
	staged := ticker.Tick(context.Background(), []string{"AAPL", "FAIL", "MSFT"}, func(q types.Quote) {
		c.Stage(q.Symbol, q)
	})

	require.Equal(t, 2, staged)
	batch := c.Drain()
	require.Len(t, batch, 2)
	require.Equal(t, 2.0, batch["MSFT"].Price)
}

// TestTicker_CancelledContextStopsPacing verifies a cancelled tick returns without waiting for permits.
func TestTicker_CancelledContextStopsPacing(t *testing.T) {
	ticker := NewTicker(context.Background(), staticSource{"A": 1}, 1, logger.NewNop())
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	staged := ticker.Tick(ctx, []string{"A", "A", "A", "A"}, func(types.Quote) {})
	require.Less(t, staged, 4)
	require.Less(t, time.Since(start), time.Second)
}

type kpiProvider struct {
	types.Provider
	price float64
	calls int
}

func (p *kpiProvider) GetKPIs(context.Context, string) (*types.KPIs, error) {
	p.calls++
	return &types.KPIs{Price: p.price}, nil
}

// TestWalkSource_AnchorsOnProviderOnce verifies the walk starts from the provider price and stays near it.
func TestWalkSource_AnchorsOnProviderOnce(t *testing.T) {
	provider := &kpiProvider{price: 150}
	clock := utils.NewManualClock(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	src := NewWalkSource(provider, clock, 1)

	for i := 0; i < 50; i++ {
		q, err := src.Quote(context.Background(), "AAPL")
		require.NoError(t, err)
		require.Equal(t, "AAPL", q.Symbol)
		require.InDelta(t, 150, q.Price, 15)
		require.Equal(t, clock.Now(), q.Timestamp)
	}
	require.Equal(t, 1, provider.calls)

	src.Forget("AAPL")
	_, err := src.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, 2, provider.calls)
}

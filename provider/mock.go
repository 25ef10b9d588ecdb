package provider

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/saiset-co/sai-market/types"
)

const MockName = "mock"

var (
	surfaceMoneyness = []float64{0.8, 0.85, 0.9, 0.95, 1.0, 1.05, 1.1, 1.15, 1.2}
	surfaceExpiries  = []int{7, 14, 30, 60, 90, 180, 365}
)

// Mock serves synthetic market data. Every series is derived from an xxh3
// hash of the symbol, so identical requests at the same instant return
// identical data.
type Mock struct {
	clock   types.Clock
	latency time.Duration
	fail    map[string]struct{}
}

func NewMock(config *types.MockProviderConfig, clock types.Clock) *Mock {
	if clock == nil {
		clock = types.SystemClock{}
	}

	m := &Mock{clock: clock, fail: make(map[string]struct{})}
	if config != nil {
		m.latency = config.Latency
		for _, s := range config.FailSymbols {
			m.fail[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
		}
	}

	return m
}

func (m *Mock) Name() string { return MockName }

func (m *Mock) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Mock) seed(symbol string) (*rand.Rand, float64) {
	h := xxh3.HashString(symbol)
	rnd := rand.New(rand.NewSource(int64(h >> 1)))
	base := 20 + float64(h%50000)/100
	return rnd, base
}

func (m *Mock) prepare(ctx context.Context, symbol string) error {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return types.Errorf(types.ErrProviderUnavailable, "%v", ctx.Err())
		case <-timer.C:
		}
	}

	if _, ok := m.fail[symbol]; ok {
		return types.Errorf(types.ErrProviderUnavailable, "mock failure for %s", symbol)
	}

	return ctx.Err()
}

func (m *Mock) GetPrices(ctx context.Context, symbol string, rng types.Range) ([]types.PricePoint, error) {
	if err := m.prepare(ctx, symbol); err != nil {
		return nil, err
	}

	points, step := rng.Points()
	rnd, price := m.seed(symbol)
	end := m.clock.Now().UTC().Truncate(step)

	series := make([]types.PricePoint, points)
	for i := 0; i < points; i++ {
		open := price
		price = math.Max(0.01, price*(1+rnd.NormFloat64()*0.015))
		high := math.Max(open, price) * (1 + rnd.Float64()*0.005)
		low := math.Min(open, price) * (1 - rnd.Float64()*0.005)

		series[i] = types.PricePoint{
			Timestamp: end.Add(-time.Duration(points-1-i) * step),
			Open:      round2(open),
			High:      round2(high),
			Low:       round2(low),
			Close:     round2(price),
			Volume:    100_000 + rnd.Int63n(5_000_000),
		}
	}

	return series, nil
}

func (m *Mock) GetKPIs(ctx context.Context, symbol string) (*types.KPIs, error) {
	if err := m.prepare(ctx, symbol); err != nil {
		return nil, err
	}

	rnd, price := m.seed(symbol)
	eps := price / (8 + rnd.Float64()*30)
	shares := 1e8 + rnd.Float64()*5e9

	return &types.KPIs{
		Symbol:        symbol,
		Price:         round2(price),
		MarketCap:     math.Round(price * shares),
		PERatio:       round2(price / eps),
		EPS:           round2(eps),
		DividendYield: round2(rnd.Float64() * 4),
		Beta:          round2(0.5 + rnd.Float64()*1.5),
		Week52High:    round2(price * (1.05 + rnd.Float64()*0.4)),
		Week52Low:     round2(price * (0.6 + rnd.Float64()*0.3)),
		AsOf:          m.clock.Now().UTC(),
	}, nil
}

func (m *Mock) GetVolSurface(ctx context.Context, symbol string) (*types.VolSurface, error) {
	if err := m.prepare(ctx, symbol); err != nil {
		return nil, err
	}

	rnd, spot := m.seed(symbol)
	atm := 0.15 + rnd.Float64()*0.35
	skew := 0.2 + rnd.Float64()*0.6

	strikes := make([]float64, len(surfaceMoneyness))
	for i, k := range surfaceMoneyness {
		strikes[i] = round2(spot * k)
	}

	vols := make([][]float64, len(surfaceExpiries))
	for i, days := range surfaceExpiries {
		term := 0.03 * math.Log1p(float64(days)/30)
		row := make([]float64, len(surfaceMoneyness))
		for j, k := range surfaceMoneyness {
			row[j] = math.Round((atm+term+skew*(k-1)*(k-1))*10000) / 10000
		}
		vols[i] = row
	}

	return &types.VolSurface{
		Symbol:     symbol,
		Spot:       round2(spot),
		Strikes:    strikes,
		Expiries:   append([]int(nil), surfaceExpiries...),
		Volatility: vols,
		AsOf:       m.clock.Now().UTC(),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package types

import (
	"context"
	"regexp"
	"strings"
	"time"
)

type Provider interface {
	Name() string
	GetPrices(ctx context.Context, symbol string, rng Range) ([]PricePoint, error)
	GetKPIs(ctx context.Context, symbol string) (*KPIs, error)
	GetVolSurface(ctx context.Context, symbol string) (*VolSurface, error)
	Ping(ctx context.Context) error
}

type Range string

const (
	Range1D Range = "1d"
	Range5D Range = "5d"
	Range1M Range = "1m"
	Range3M Range = "3m"
	Range6M Range = "6m"
	Range1Y Range = "1y"
	Range5Y Range = "5y"
)

var rangeSpec = map[Range]struct {
	points int
	step   time.Duration
}{
	Range1D: {points: 78, step: 5 * time.Minute},
	Range5D: {points: 130, step: 15 * time.Minute},
	Range1M: {points: 22, step: 24 * time.Hour},
	Range3M: {points: 66, step: 24 * time.Hour},
	Range6M: {points: 126, step: 24 * time.Hour},
	Range1Y: {points: 252, step: 24 * time.Hour},
	Range5Y: {points: 260, step: 7 * 24 * time.Hour},
}

func ParseRange(value string) (Range, error) {
	if value == "" {
		return Range1M, nil
	}
	rng := Range(strings.ToLower(value))
	if _, ok := rangeSpec[rng]; !ok {
		return "", Errorf(ErrRangeInvalid, "range: %s", value)
	}
	return rng, nil
}

// Points is the number of samples in the range and the spacing between them.
func (r Range) Points() (int, time.Duration) {
	spec, ok := rangeSpec[r]
	if !ok {
		spec = rangeSpec[Range1M]
	}
	return spec.points, spec.step
}

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,14}$`)

// NormalizeSymbol upper-cases the symbol and checks it against the accepted pattern.
func NormalizeSymbol(value string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(value))
	if !symbolPattern.MatchString(symbol) {
		return "", Errorf(ErrSymbolInvalid, "symbol: %q", value)
	}
	return symbol, nil
}

type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

type KPIs struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	MarketCap     float64   `json:"marketCap"`
	PERatio       float64   `json:"peRatio"`
	EPS           float64   `json:"eps"`
	DividendYield float64   `json:"dividendYield"`
	Beta          float64   `json:"beta"`
	Week52High    float64   `json:"week52High"`
	Week52Low     float64   `json:"week52Low"`
	AsOf          time.Time `json:"asOf"`
}

type VolSurface struct {
	Symbol     string      `json:"symbol"`
	Spot       float64     `json:"spot"`
	Strikes    []float64   `json:"strikes"`
	Expiries   []int       `json:"expiries"`
	Volatility [][]float64 `json:"volatility"`
	AsOf       time.Time   `json:"asOf"`
}

type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	Timestamp time.Time `json:"timestamp"`
}

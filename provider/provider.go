package provider

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
)

// New builds the configured provider wrapped with request metrics.
func New(config *types.ProviderConfig, clock types.Clock, logger types.Logger, metrics types.MetricsManager) (types.Provider, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	var (
		p   types.Provider
		err error
	)

	switch config.Type {
	case MockName, "":
		p = NewMock(config.Mock, clock)
	case HTTPName:
		p, err = NewHTTP(config.HTTP, clock, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, types.Errorf(types.ErrProviderTypeUnknown, "type: %s", config.Type)
	}

	logger.Info("Market data provider initialized", zap.String("provider", p.Name()))

	return Instrument(p, metrics), nil
}

// Instrumented records provider_requests_total and latency for every call.
type Instrumented struct {
	next    types.Provider
	metrics types.MetricsManager
}

func Instrument(p types.Provider, metrics types.MetricsManager) *Instrumented {
	return &Instrumented{next: p, metrics: metrics}
}

func (i *Instrumented) Unwrap() types.Provider { return i.next }

func (i *Instrumented) Name() string { return i.next.Name() }

func (i *Instrumented) GetPrices(ctx context.Context, symbol string, rng types.Range) ([]types.PricePoint, error) {
	start := time.Now()
	out, err := i.next.GetPrices(ctx, symbol, rng)
	i.record("prices", start, err)
	return out, err
}

func (i *Instrumented) GetKPIs(ctx context.Context, symbol string) (*types.KPIs, error) {
	start := time.Now()
	out, err := i.next.GetKPIs(ctx, symbol)
	i.record("kpis", start, err)
	return out, err
}

func (i *Instrumented) GetVolSurface(ctx context.Context, symbol string) (*types.VolSurface, error) {
	start := time.Now()
	out, err := i.next.GetVolSurface(ctx, symbol)
	i.record("vol_surface", start, err)
	return out, err
}

func (i *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := i.next.Ping(ctx)
	i.record("ping", start, err)
	return err
}

// Close releases the wrapped provider's resources when it holds any.
func (i *Instrumented) Close() error {
	if c, ok := i.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (i *Instrumented) record(operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}

	i.metrics.Counter("provider_requests_total", map[string]string{
		"provider":  i.next.Name(),
		"operation": operation,
		"result":    result,
	}).Inc()

	i.metrics.Histogram("provider_request_duration_seconds",
		[]float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		map[string]string{"provider": i.next.Name(), "operation": operation},
	).ObserveDuration(start)
}

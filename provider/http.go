package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const HTTPName = "http"

// HTTP reads market data from a REST upstream:
//
//	GET {base}/prices/{symbol}?range={range}
//	GET {base}/kpis/{symbol}
//	GET {base}/vol-surface/{symbol}
//	GET {base}/health
type HTTP struct {
	client  *fasthttp.Client
	baseURL string
	apiKey  string
	timeout time.Duration
	breaker *CircuitBreaker
	logger  types.Logger
}

func NewHTTP(config *types.HTTPProviderConfig, clock types.Clock, logger types.Logger) (*HTTP, error) {
	if config == nil || config.BaseURL == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "provider.http.base_url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "provider.http.base_url: %v", err)
	}
	if clock == nil {
		clock = types.SystemClock{}
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	maxConns := config.MaxConns
	if maxConns <= 0 {
		maxConns = fasthttp.DefaultMaxConnsPerHost
	}

	return &HTTP{
		client: &fasthttp.Client{
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
			MaxConnsPerHost: maxConns,
		},
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		timeout: timeout,
		breaker: NewCircuitBreaker(config.CircuitBreaker, clock, logger, HTTPName),
		logger:  logger,
	}, nil
}

func (p *HTTP) Name() string { return HTTPName }

func (p *HTTP) Breaker() *CircuitBreaker { return p.breaker }

func (p *HTTP) GetPrices(ctx context.Context, symbol string, rng types.Range) ([]types.PricePoint, error) {
	var out []types.PricePoint
	path := "/prices/" + url.PathEscape(symbol) + "?range=" + url.QueryEscape(string(rng))
	if err := getJSON(ctx, p, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *HTTP) GetKPIs(ctx context.Context, symbol string) (*types.KPIs, error) {
	out := &types.KPIs{}
	if err := getJSON(ctx, p, "/kpis/"+url.PathEscape(symbol), out); err != nil {
		return nil, err
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	return out, nil
}

func (p *HTTP) GetVolSurface(ctx context.Context, symbol string) (*types.VolSurface, error) {
	out := &types.VolSurface{}
	if err := getJSON(ctx, p, "/vol-surface/"+url.PathEscape(symbol), out); err != nil {
		return nil, err
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	return out, nil
}

func (p *HTTP) Ping(ctx context.Context) error {
	_, err := p.do(ctx, "/health")
	return err
}

func (p *HTTP) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func getJSON[T any](ctx context.Context, p *HTTP, path string, target *T) error {
	body, err := p.do(ctx, path)
	if err != nil {
		return err
	}

	if err := utils.Unmarshal(body, target); err != nil {
		return types.Errorf(types.ErrProviderResponse, "decode %s: %v", path, err)
	}

	return nil
}

func (p *HTTP) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (p *HTTP) do(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Errorf(types.ErrProviderUnavailable, "%v", err)
	}

	if !p.breaker.CanExecute() {
		return nil, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, types.ErrCircuitBreakerOpen)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	err := p.client.DoDeadline(req, resp, p.deadline(ctx))
	status := resp.StatusCode()

	if IsCircuitBreakerFailure(status, err) {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}

	if err != nil {
		p.logger.Debug("Provider request failed", zap.String("path", path), zap.Error(err))
		return nil, types.Errorf(types.ErrProviderUnavailable, "%s: %v", path, err)
	}

	switch {
	case status == fasthttp.StatusNotFound:
		return nil, types.Errorf(types.ErrSymbolInvalid, "upstream has no data for %s", path)
	case status >= 500 || status == fasthttp.StatusTooManyRequests || status == fasthttp.StatusRequestTimeout:
		return nil, types.Errorf(types.ErrProviderUnavailable, "%s: HTTP %d", path, status)
	case status < 200 || status >= 300:
		return nil, types.Errorf(types.ErrProviderResponse, "%s: HTTP %d", path, status)
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())

	return body, nil
}

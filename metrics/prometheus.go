package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
)

const defaultNamespace = "marketd"

type PrometheusMetrics struct {
	logger     types.Logger
	namespace  string
	labels     map[string]string
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	handler    fasthttp.RequestHandler
	mu         sync.Mutex
	running    int32
}

var _ types.MetricsManager = (*PrometheusMetrics)(nil)

func NewPrometheusMetrics(config *types.MetricsConfig, logger types.Logger) *PrometheusMetrics {
	namespace := config.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &PrometheusMetrics{
		logger:     logger,
		namespace:  namespace,
		labels:     config.Labels,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	p.handler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", namespace),
		zap.String("path", config.Path))

	return p
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	p.logger.Info("Prometheus metrics started")
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	p.logger.Info("Prometheus metrics stopped")
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Handler() types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		p.handler(ctx)
	}
}

// Gather returns the current families, for tests and debug endpoints.
func (p *PrometheusMetrics) Gather() ([]*dto.MetricFamily, error) {
	return p.registry.Gather()
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.namespace,
			Name:        name,
			Help:        "Counter metric " + name,
			ConstLabels: p.labels,
		}, labelNames(labels))
		if err := p.registry.Register(counter); err != nil {
			p.logger.Error("Failed to register counter", zap.String("name", name), zap.Error(err))
			return nopCounter{}
		}
		p.counters[name] = counter
	}

	c, err := counter.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Counter labels mismatch", zap.String("name", name), zap.Error(err))
		return nopCounter{}
	}
	return &PrometheusCounter{counter: c}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.namespace,
			Name:        name,
			Help:        "Gauge metric " + name,
			ConstLabels: p.labels,
		}, labelNames(labels))
		if err := p.registry.Register(gauge); err != nil {
			p.logger.Error("Failed to register gauge", zap.String("name", name), zap.Error(err))
			return nopGauge{}
		}
		p.gauges[name] = gauge
	}

	g, err := gauge.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Gauge labels mismatch", zap.String("name", name), zap.Error(err))
		return nopGauge{}
	}
	return &PrometheusGauge{gauge: g}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	histogram, exists := p.histograms[name]
	if !exists {
		histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.namespace,
			Name:        name,
			Help:        "Histogram metric " + name,
			Buckets:     buckets,
			ConstLabels: p.labels,
		}, labelNames(labels))
		if err := p.registry.Register(histogram); err != nil {
			p.logger.Error("Failed to register histogram", zap.String("name", name), zap.Error(err))
			return nopHistogram{}
		}
		p.histograms[name] = histogram
	}

	h, err := histogram.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Histogram labels mismatch", zap.String("name", name), zap.Error(err))
		return nopHistogram{}
	}
	return &PrometheusHistogram{histogram: h}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type PrometheusCounter struct {
	counter prometheus.Counter
}

func (c *PrometheusCounter) Inc() { c.counter.Inc() }

func (c *PrometheusCounter) Add(value float64) { c.counter.Add(value) }

func (c *PrometheusCounter) Get() float64 {
	metric := &dto.Metric{}
	if err := c.counter.Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

type PrometheusGauge struct {
	gauge prometheus.Gauge
}

func (g *PrometheusGauge) Set(value float64) { g.gauge.Set(value) }

func (g *PrometheusGauge) Inc() { g.gauge.Inc() }

func (g *PrometheusGauge) Dec() { g.gauge.Dec() }

func (g *PrometheusGauge) Add(value float64) { g.gauge.Add(value) }

func (g *PrometheusGauge) Get() float64 {
	metric := &dto.Metric{}
	if err := g.gauge.Write(metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	histogram prometheus.Observer
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.histogram.Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.histogram.Observe(time.Since(start).Seconds())
}

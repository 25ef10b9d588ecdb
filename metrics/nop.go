package metrics

import (
	"time"

	"github.com/saiset-co/sai-market/types"
)

// Nop satisfies types.MetricsManager and records nothing.
type Nop struct{}

var _ types.MetricsManager = Nop{}

func NewNop() Nop { return Nop{} }

func (Nop) Start() error    { return nil }
func (Nop) Stop() error     { return nil }
func (Nop) IsRunning() bool { return false }

func (Nop) Counter(string, map[string]string) types.Counter { return nopCounter{} }

func (Nop) Gauge(string, map[string]string) types.Gauge { return nopGauge{} }

func (Nop) Histogram(string, []float64, map[string]string) types.Histogram { return nopHistogram{} }

func (Nop) Handler() types.FastHTTPHandler { return types.NotFoundHandler }

type nopCounter struct{}

func (nopCounter) Inc()        {}
func (nopCounter) Add(float64) {}

type nopGauge struct{}

func (nopGauge) Set(float64) {}
func (nopGauge) Inc()        {}
func (nopGauge) Dec()        {}
func (nopGauge) Add(float64) {}

type nopHistogram struct{}

func (nopHistogram) Observe(float64)           {}
func (nopHistogram) ObserveDuration(time.Time) {}

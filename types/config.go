package types

import (
	"time"
)

type ConfigManager interface {
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig      `yaml:"server" json:"server" validate:"required"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger" validate:"required"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache" validate:"required"`
	RateLimit   *RateLimitConfig   `yaml:"rate_limit" json:"rate_limit" validate:"required"`
	Provider    *ProviderConfig    `yaml:"provider" json:"provider" validate:"required"`
	Market      *MarketConfig      `yaml:"market" json:"market" validate:"required"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig      `yaml:"health" json:"health"`
	Cron        *CronConfig        `yaml:"cron" json:"cron"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
}

type ServerConfig struct {
	HTTP   *HTTPConfig   `yaml:"http" json:"http" validate:"required"`
	Stream *StreamConfig `yaml:"stream" json:"stream"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type StreamConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	Host                string        `yaml:"host" json:"host"`
	Port                int           `yaml:"port" json:"port" validate:"required_if=Enabled true,max=65535"`
	Path                string        `yaml:"path" json:"path" validate:"required_if=Enabled true"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	DispatchInterval    time.Duration `yaml:"dispatch_interval" json:"dispatch_interval"`
	TickInterval        time.Duration `yaml:"tick_interval" json:"tick_interval"`
	TicksPerSecond      int           `yaml:"ticks_per_second" json:"ticks_per_second" validate:"min=0"`
	MaxSymbolsPerClient int           `yaml:"max_symbols_per_client" json:"max_symbols_per_client" validate:"min=0"`
	SendBuffer          int           `yaml:"send_buffer" json:"send_buffer" validate:"min=0"`
	MessagesPerSecond   float64       `yaml:"messages_per_second" json:"messages_per_second" validate:"min=0"`
	MessageBurst        float64       `yaml:"message_burst" json:"message_burst" validate:"min=0"`
	PongWait            time.Duration `yaml:"pong_wait" json:"pong_wait"`
	WriteWait           time.Duration `yaml:"write_wait" json:"write_wait"`
	ReadLimit           int64         `yaml:"read_limit" json:"read_limit"`
}

type LoggerConfig struct {
	Level  string `yaml:"level" json:"level" validate:"required,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output" json:"output" validate:"omitempty,oneof=stdout stderr file"`
	File   string `yaml:"file" json:"file" validate:"required_if=Output file"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration        `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	SweepSchedule string               `yaml:"sweep_schedule" json:"sweep_schedule"`
	Prices        *CacheCategoryConfig `yaml:"prices" json:"prices" validate:"required"`
	KPIs          *CacheCategoryConfig `yaml:"kpis" json:"kpis" validate:"required"`
	VolSurface    *CacheCategoryConfig `yaml:"vol_surface" json:"vol_surface" validate:"required"`
	Shared        *SharedCacheConfig   `yaml:"shared" json:"shared"`
}

type CacheCategoryConfig struct {
	MaxEntries     int              `yaml:"max_entries" json:"max_entries" validate:"min=1"`
	MaxMemoryBytes int64            `yaml:"max_memory_bytes" json:"max_memory_bytes" validate:"min=1"`
	TTL            time.Duration    `yaml:"ttl" json:"ttl" validate:"min=0"`
	Strategy       EvictionStrategy `yaml:"strategy" json:"strategy"`
}

type SharedCacheConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Addr        string        `yaml:"addr" json:"addr" validate:"required_if=Enabled true"`
	Password    string        `yaml:"password" json:"password"`
	DB          int           `yaml:"db" json:"db" validate:"min=0"`
	Prefix      string        `yaml:"prefix" json:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout" json:"op_timeout"`
}

type RateLimitConfig struct {
	Capacity        float64       `yaml:"capacity" json:"capacity" validate:"gt=0"`
	RefillPerSecond float64       `yaml:"refill_per_second" json:"refill_per_second" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	SweepSchedule   string        `yaml:"sweep_schedule" json:"sweep_schedule"`
}

type ProviderConfig struct {
	Type string              `yaml:"type" json:"type" validate:"required,oneof=mock http"`
	Mock *MockProviderConfig `yaml:"mock" json:"mock"`
	HTTP *HTTPProviderConfig `yaml:"http" json:"http" validate:"required_if=Type http"`
}

type MockProviderConfig struct {
	FailSymbols []string      `yaml:"fail_symbols" json:"fail_symbols"`
	Latency     time.Duration `yaml:"latency" json:"latency"`
}

type HTTPProviderConfig struct {
	BaseURL        string                `yaml:"base_url" json:"base_url" validate:"required,url"`
	APIKey         string                `yaml:"api_key" json:"api_key"`
	Timeout        time.Duration         `yaml:"timeout" json:"timeout"`
	MaxConns       int                   `yaml:"max_conns" json:"max_conns" validate:"min=0"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" validate:"min=0"`
}

type MarketConfig struct {
	Features         MarketFeatures `yaml:"features" json:"features"`
	MaxBatchSymbols  int            `yaml:"max_batch_symbols" json:"max_batch_symbols" validate:"min=1"`
	BatchConcurrency int            `yaml:"batch_concurrency" json:"batch_concurrency" validate:"min=1"`
	ProviderTimeout  time.Duration  `yaml:"provider_timeout" json:"provider_timeout"`
}

type MarketFeatures struct {
	Prices     bool `yaml:"prices" json:"prices"`
	KPIs       bool `yaml:"kpis" json:"kpis"`
	VolSurface bool `yaml:"vol_surface" json:"vol_surface"`
	Batch      bool `yaml:"batch" json:"batch"`
}

type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled" json:"enabled"`
	Path      string            `yaml:"path" json:"path" validate:"required_if=Enabled true"`
	Namespace string            `yaml:"namespace" json:"namespace"`
	Labels    map[string]string `yaml:"labels" json:"labels"`
}

type HealthConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	CheckTimeout    time.Duration `yaml:"check_timeout" json:"check_timeout"`
	MemoryPressure  float64       `yaml:"memory_pressure" json:"memory_pressure" validate:"min=0,max=1"`
	MinHitRate      float64       `yaml:"min_hit_rate" json:"min_hit_rate" validate:"min=0,max=1"`
	MaxGoroutines   int           `yaml:"max_goroutines" json:"max_goroutines" validate:"min=0"`
	MaxHeapBytes    uint64        `yaml:"max_heap_bytes" json:"max_heap_bytes"`
	MaxDispatchLag  time.Duration `yaml:"max_dispatch_lag" json:"max_dispatch_lag"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MiddlewaresConfig struct {
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	RequestID   *MiddlewareItemConfig `yaml:"request_id" json:"request_id"`
	CORS        *MiddlewareItemConfig `yaml:"cors" json:"cors"`
	RateLimit   *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Build     string `json:"build"`
}

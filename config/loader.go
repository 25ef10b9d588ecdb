package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-market/cron"
	"github.com/saiset-co/sai-market/types"
)

const (
	EnvConfigPath     = "MARKETD_CONFIG"
	DefaultConfigPath = "config.yml"
	readTimeout       = 10 * time.Second
)

// ResolvePath picks the config file: the explicit flag value, then
// MARKETD_CONFIG, then DefaultConfigPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultConfigPath
}

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// LoadFromFile reads, defaults, decodes and validates the config file.
func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.Errorf(types.ErrConfigNotFound, "%s: %v", configPath, err)
	}

	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	data, err := l.ReadFileWithTimeout(readCtx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.Parse(data)
}

// Parse applies Defaults, decodes data over them and validates the result.
func (l *Loader) Parse(data []byte) (*types.ServiceConfig, error) {
	config := Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return validateSemantics(config)
}

// validateSemantics covers what struct tags cannot express.
func validateSemantics(config *types.ServiceConfig) error {
	for name, category := range map[string]*types.CacheCategoryConfig{
		"prices":      config.Cache.Prices,
		"kpis":        config.Cache.KPIs,
		"vol_surface": config.Cache.VolSurface,
	} {
		if _, err := types.ParseEvictionStrategy(category.Strategy.String()); err != nil {
			return types.Errorf(types.ErrConfigValidateFailed, "cache.%s: %v", name, err)
		}
	}

	if config.Provider.Type == "http" && config.Provider.HTTP == nil {
		return types.Errorf(types.ErrConfigValidateFailed, "provider.http is required for the http provider")
	}

	schedules := map[string]string{
		"cache.sweep_schedule":      config.Cache.SweepSchedule,
		"rate_limit.sweep_schedule": config.RateLimit.SweepSchedule,
	}
	for path, spec := range schedules {
		if spec == "" {
			continue
		}
		if err := cron.ValidateSpec(spec); err != nil {
			return types.Errorf(types.ErrConfigValidateFailed, "%s: %v", path, err)
		}
	}

	if config.Cron != nil && config.Cron.Timezone != "" {
		if _, err := time.LoadLocation(config.Cron.Timezone); err != nil {
			return types.Errorf(types.ErrConfigValidateFailed, "cron.timezone: %v", err)
		}
	}

	if stream := config.Server.Stream; stream != nil && stream.Enabled && stream.Port == config.Server.HTTP.Port {
		return types.Errorf(types.ErrConfigValidateFailed, "server.stream.port must differ from server.http.port")
	}

	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

// Defaults is a complete, valid configuration for a local mock-backed
// instance. Files only need to override what differs.
func Defaults() *types.ServiceConfig {
	category := func(maxEntries int, maxMemory int64, ttl time.Duration, strategy types.EvictionStrategy) *types.CacheCategoryConfig {
		return &types.CacheCategoryConfig{
			MaxEntries:     maxEntries,
			MaxMemoryBytes: maxMemory,
			TTL:            ttl,
			Strategy:       strategy,
		}
	}

	return &types.ServiceConfig{
		Name:    "marketd",
		Version: "dev",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "0.0.0.0",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
			},
			Stream: &types.StreamConfig{
				Enabled:             true,
				Host:                "0.0.0.0",
				Port:                8081,
				Path:                "/ws",
				HeartbeatInterval:   30 * time.Second,
				DispatchInterval:    250 * time.Millisecond,
				TickInterval:        time.Second,
				TicksPerSecond:      50,
				MaxSymbolsPerClient: 50,
				SendBuffer:          64,
				MessagesPerSecond:   10,
				MessageBurst:        20,
				PongWait:            60 * time.Second,
				WriteWait:           10 * time.Second,
				ReadLimit:           4096,
			},
		},
		Logger: &types.LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Cache: &types.CacheConfig{
			DefaultTTL:    time.Minute,
			SweepSchedule: "0 * * * * *",
			Prices:        category(1000, 64<<20, 30*time.Second, types.StrategyPriority),
			KPIs:          category(2000, 16<<20, 5*time.Minute, types.StrategyPriority),
			VolSurface:    category(200, 32<<20, 10*time.Minute, types.StrategyLFU),
			Shared: &types.SharedCacheConfig{
				Enabled:     false,
				Addr:        "localhost:6379",
				Prefix:      "marketd",
				DialTimeout: 2 * time.Second,
				OpTimeout:   200 * time.Millisecond,
			},
		},
		RateLimit: &types.RateLimitConfig{
			Capacity:        60,
			RefillPerSecond: 1,
			IdleTimeout:     10 * time.Minute,
			SweepSchedule:   "30 */5 * * * *",
		},
		Provider: &types.ProviderConfig{
			Type: "mock",
			Mock: &types.MockProviderConfig{},
		},
		Market: &types.MarketConfig{
			Features: types.MarketFeatures{
				Prices:     true,
				KPIs:       true,
				VolSurface: true,
				Batch:      true,
			},
			MaxBatchSymbols:  20,
			BatchConcurrency: 4,
			ProviderTimeout:  5 * time.Second,
		},
		Metrics: &types.MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "marketd",
		},
		Health: &types.HealthConfig{
			Enabled:        true,
			CheckTimeout:   3 * time.Second,
			MemoryPressure: 0.9,
			MinHitRate:     0.1,
			MaxDispatchLag: 5 * time.Second,
		},
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Middlewares: &types.MiddlewaresConfig{
			Enabled: true,
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  10,
				Params:  map[string]interface{}{"stack_trace": true},
			},
			RequestID: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  20,
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  30,
				Params:  map[string]interface{}{"log_level": "debug"},
			},
			CORS: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  40,
				Params:  map[string]interface{}{"allowed_origins": []string{"*"}},
			},
			RateLimit: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  50,
			},
			Compression: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  60,
			},
		},
	}
}

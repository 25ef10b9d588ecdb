package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-market/types"
)

const overrideYAML = `
name: marketd-test
server:
  http:
    port: 9090
cache:
  prices:
    ttl: 15s
    strategy: lru
rate_limit:
  capacity: 10
provider:
  type: mock
  mock:
    fail_symbols: [DOWN]
`

// TestDefaults_AreValid verifies the built-in configuration passes validation on its own.
func TestDefaults_AreValid(t *testing.T) {
	require.NoError(t, NewLoader().Validate(Defaults()))
}

// TestParse_OverridesOnTopOfDefaults verifies file values replace defaults and untouched keys survive.
func TestParse_OverridesOnTopOfDefaults(t *testing.T) {
	config, err := NewLoader().Parse([]byte(overrideYAML))
	require.NoError(t, err)

	require.Equal(t, "marketd-test", config.Name)
	require.Equal(t, 9090, config.Server.HTTP.Port)
	require.Equal(t, "0.0.0.0", config.Server.HTTP.Host)
	require.Equal(t, 15*time.Second, config.Cache.Prices.TTL)
	require.Equal(t, types.StrategyLRU, config.Cache.Prices.Strategy)
	require.Equal(t, 1000, config.Cache.Prices.MaxEntries)
	require.Equal(t, float64(10), config.RateLimit.Capacity)
	require.Equal(t, float64(1), config.RateLimit.RefillPerSecond)
	require.Equal(t, []string{"DOWN"}, config.Provider.Mock.FailSymbols)
}

// TestParse_Rejects verifies malformed and semantically invalid files are refused.
func TestParse_Rejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		err  error
	}{
		"syntax":         {yaml: "server: [", err: types.ErrConfigParseFailed},
		"strategy":       {yaml: "cache:\n  kpis:\n    strategy: random\n", err: types.ErrConfigParseFailed},
		"provider type":  {yaml: "provider:\n  type: grpc\n", err: types.ErrConfigValidateFailed},
		"http provider":  {yaml: "provider:\n  type: http\n", err: types.ErrConfigValidateFailed},
		"zero refill":    {yaml: "rate_limit:\n  refill_per_second: 0\n", err: types.ErrConfigValidateFailed},
		"sweep schedule": {yaml: "cache:\n  sweep_schedule: every minute\n", err: types.ErrConfigValidateFailed},
		"timezone":       {yaml: "cron:\n  timezone: Mars/Olympus\n", err: types.ErrConfigValidateFailed},
		"port clash":     {yaml: "server:\n  stream:\n    port: 8080\n", err: types.ErrConfigValidateFailed},
		"log level":      {yaml: "logger:\n  level: loud\n", err: types.ErrConfigValidateFailed},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tc.yaml))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

// TestLoadFromFile_MissingFile verifies a missing path reports ErrConfigNotFound.
func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := NewLoader().LoadFromFile(context.Background(), filepath.Join(t.TempDir(), "absent.yml"))
	require.ErrorIs(t, err, types.ErrConfigNotFound)

	_, err = NewLoader().LoadFromFile(context.Background(), "")
	require.ErrorIs(t, err, types.ErrConfigNotFound)
}

// TestManager_LoadAndLookup verifies dotted lookups see both file values and defaults.
func TestManager_LoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(overrideYAML), 0o600))

	m, err := NewManager(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, path, m.Path())
	require.Equal(t, 9090, m.GetConfig().Server.HTTP.Port)

	require.Equal(t, 9090, m.GetValue("server.http.port", 0))
	require.Equal(t, "lru", m.GetValue("cache.prices.strategy", ""))
	require.Equal(t, "fallback", m.GetValue("cache.nope", "fallback"))

	var prices types.CacheCategoryConfig
	require.NoError(t, m.GetAs("cache.prices", &prices))
	require.Equal(t, 15*time.Second, prices.TTL)
	require.Equal(t, types.StrategyLRU, prices.Strategy)

	require.ErrorIs(t, m.GetAs("missing.path", &prices), types.ErrConfigInvalidPath)
	require.Contains(t, m.GetAllPaths(), "rate_limit.capacity")

	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: loud\n"), 0o600))
	require.Error(t, m.Load(context.Background()))
	require.Equal(t, 9090, m.GetConfig().Server.HTTP.Port)
}

// TestFromConfig_Validates verifies in-memory configurations go through the same checks as files.
func TestFromConfig_Validates(t *testing.T) {
	config := Defaults()
	m, err := FromConfig(config)
	require.NoError(t, err)
	require.Same(t, config, m.GetConfig())

	config = Defaults()
	config.Market.MaxBatchSymbols = 0
	_, err = FromConfig(config)
	require.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, err = FromConfig(nil)
	require.ErrorIs(t, err, types.ErrConfigIsNil)
}

// TestResolvePath_Precedence verifies flag beats environment beats the default.
func TestResolvePath_Precedence(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	require.Equal(t, DefaultConfigPath, ResolvePath(""))

	t.Setenv(EnvConfigPath, "/etc/marketd/config.yml")
	require.Equal(t, "/etc/marketd/config.yml", ResolvePath(""))
	require.Equal(t, "local.yml", ResolvePath("local.yml"))
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-market/types"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(append([]string{"marketd"}, args...))
	return out.String(), err
}

// TestCheckConfig verifies valid files pass and invalid ones fail with a validation error.
func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yml")
	require.NoError(t, os.WriteFile(good, []byte("name: marketd\n"), 0o600))

	out, err := run(t, "check-config", "--config", good)
	require.NoError(t, err)
	require.Contains(t, out, "good.yml: ok")

	out, err = run(t, "check-config", "--config", good, "--print")
	require.NoError(t, err)
	require.Contains(t, out, "refill_per_second: 1")

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("rate_limit:\n  capacity: -1\n"), 0o600))

	_, err = run(t, "check-config", "--config", bad)
	require.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

// TestCheckConfig_EnvFallback verifies MARKETD_CONFIG is used when no flag is given.
func TestCheckConfig_EnvFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.2.3\"\n"), 0o600))
	t.Setenv("MARKETD_CONFIG", path)

	out, err := run(t, "check-config")
	require.NoError(t, err)
	require.Contains(t, out, "env.yml: ok")
}

// TestVersion verifies the version command prints build information.
func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

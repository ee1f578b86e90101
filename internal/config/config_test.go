package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Network: "mynet"}
	ApplyDefaults(&cfg)

	assert.Equal(t, DefaultImage, cfg.Image)
	assert.Equal(t, DefaultArgs, cfg.DefaultArgs)
	assert.Equal(t, filepath.Join(os.TempDir(), "mynet", "seed.zip"), cfg.BundlePath)
	assert.Equal(t, DefaultLaunchParallelism, cfg.LaunchParallelism)
	assert.Equal(t, DefaultRPCTimeout, cfg.RPC.Timeout)
	assert.Equal(t, DefaultRPCPassword, cfg.RPC.Password)
	assert.Equal(t, DefaultBootstrapAttempts, cfg.Bootstrap.Attempts)
	assert.Equal(t, time.Second, cfg.TunnelSettle)
	require.NoError(t, Validate(cfg))
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvImage:       "purplei2p/i2pd:latest",
		EnvNetwork:     "othernet",
		EnvDefaultArgs: "--netid=9",
	}
	cfg := Config{Image: "i2pd", Network: "i2pdtestnet"}
	ApplyEnv(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, "purplei2p/i2pd:latest", cfg.Image)
	assert.Equal(t, "othernet", cfg.Network)
	assert.Equal(t, "--netid=9", cfg.DefaultArgs)
}

func TestApplyEnv_EmptyKeepsValues(t *testing.T) {
	t.Parallel()

	cfg := Config{Image: "custom"}
	ApplyEnv(&cfg, func(string) string { return "" })
	assert.Equal(t, "custom", cfg.Image)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative bundle path", func(c *Config) { c.BundlePath = "seed.zip" }},
		{"zero parallelism", func(c *Config) { c.LaunchParallelism = -1 }},
		{"negative nodes", func(c *Config) { c.Start.Nodes = -2 }},
		{"no rpc timeout", func(c *Config) { c.RPC.Timeout = -time.Second }},
		{"bootstrap delays inverted", func(c *Config) { c.Bootstrap.MaxDelay = time.Millisecond }},
		{"single bootstrap read", func(c *Config) { c.Bootstrap.Attempts = 1 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoad_ParsesDurations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "testnet.yaml")
	data := []byte(`
image: i2pd:2.50
network: i2pdtestnet
bundle_path: /var/tmp/seed.zip
start:
  floodfills: 2
  nodes: 3
rpc:
  timeout: 2s
bootstrap:
  attempts: 5
  initial_delay: 250ms
  max_delay: 2s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Start.Floodfills)
	assert.Equal(t, 3, cfg.Start.Nodes)
	assert.Equal(t, 2*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Bootstrap.InitialDelay)
	assert.Equal(t, "/var/tmp/seed.zip", cfg.BundlePath)
	assert.Equal(t, DefaultWatchInterval, cfg.Watch.Interval)
}

func TestLoadOptional_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultLaunchParallelism, cfg.LaunchParallelism)
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conf", "testnet.yaml")
	require.NoError(t, Save(path, Config{Network: "n1"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRPCTimeout, cfg.RPC.Timeout)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloft/backend/internal/core"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Second, cfg.Sampler.SampleInterval())
	assert.Equal(t, 5*time.Minute, cfg.Meter.IdleDurationThreshold())
	assert.Equal(t, time.Minute, cfg.Meter.CommitInterval())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  listen: ":9000"
meter:
  commit_interval_seconds: 30
pool:
  keys:
    - language: python
      version: "3.11"
      image: codeloft/runtime-python:3.11
      min: 2
      max: 5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Meter.CommitInterval())
	// untouched defaults survive the merge
	assert.Equal(t, 1000, cfg.Sampler.SampleIntervalMs)
	require.Len(t, cfg.Pool.Keys, 1)
	assert.Equal(t, core.RuntimeKey{Language: "python", Version: "3.11"}, cfg.Pool.Keys[0].Runtime())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CODELOFT_LISTEN", ":7070")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample interval", func(c *Config) { c.Sampler.SampleIntervalMs = 0 }},
		{"heartbeat timeout below interval", func(c *Config) { c.Gateway.HeartbeatTimeoutSeconds = 5 }},
		{"inverted watermarks", func(c *Config) { c.Pool.HighWater = 0.2 }},
		{"pool key without image", func(c *Config) {
			c.Pool.Keys = []PoolKey{{Language: "go", Version: "1.24", Min: 1, Max: 2}}
		}},
		{"pool min above max", func(c *Config) {
			c.Pool.Keys = []PoolKey{{Language: "go", Version: "1.24", Image: "x", Min: 3, Max: 1}}
		}},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMultiplierTable(t *testing.T) {
	m := Default().Meter.EnvironmentMultipliers

	assert.Equal(t, 0.0, m.For(core.EnvDevelopment))
	assert.Equal(t, 0.5, m.For(core.EnvStaging))
	assert.Equal(t, 1.0, m.For(core.EnvProduction))
	assert.Equal(t, 5.0, m.For(core.EnvGPU))
	assert.Equal(t, 2.0, m.For(core.EnvHighMemory))
	// unknown classes must not bill for free
	assert.Equal(t, 1.0, m.For(core.EnvironmentClass("mystery")))
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Planner.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.NodeExecutionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.ModificationTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Timeouts.SnapshotTTL)
	assert.Equal(t, 30*time.Second, cfg.Devices.HealthCheckInterval)
	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TASKMESH_HTTP_PORT", "8888")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TIMEOUT_MODIFICATION", "90s")
	t.Setenv("PLANNER_ENABLED", "true")
	t.Setenv("PLANNER_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8888, cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.ModificationTimeout)
	assert.True(t, cfg.Planner.Enabled)
}

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.HTTPPort = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Timeouts.ModificationTimeout = 0
	assert.Error(t, cfg.Validate())

	// Enabling the planner without a key is a config error.
	cfg = base()
	cfg.Planner.Enabled = true
	cfg.Planner.APIKey = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Planner.Enabled = true
	cfg.Planner.APIKey = "sk-test"
	cfg.Planner.Provider = "openai"
	assert.Error(t, cfg.Validate())
}

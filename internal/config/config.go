package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the taskmesh server.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"TASKMESH_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"TASKMESH_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	// Planner configuration
	Planner PlannerConfig

	// Device configuration
	Devices DeviceConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// PlannerConfig holds LLM planner configuration. The planner is
// optional; without it graphs run exactly as submitted.
type PlannerConfig struct {
	Enabled  bool   `env:"PLANNER_ENABLED" envDefault:"false"`
	Provider string `env:"PLANNER_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"PLANNER_API_KEY"`

	Model          string        `env:"PLANNER_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	MaxTokens      int           `env:"PLANNER_MAX_TOKENS" envDefault:"4096"`
	RequestTimeout time.Duration `env:"PLANNER_REQUEST_TIMEOUT" envDefault:"120s"`
}

// DeviceConfig holds device agent configuration.
type DeviceConfig struct {
	HealthCheckInterval time.Duration `env:"DEVICE_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	DialTimeout         time.Duration `env:"DEVICE_DIAL_TIMEOUT" envDefault:"10s"`
	PingTimeout         time.Duration `env:"DEVICE_PING_TIMEOUT" envDefault:"5s"`
}

// TimeoutConfig holds orchestration timeouts.
type TimeoutConfig struct {
	NodeExecutionTimeout time.Duration `env:"TIMEOUT_NODE_EXECUTION" envDefault:"300s"` // 5 minutes

	// ModificationTimeout bounds how long scheduling waits on an
	// unresolved planner edit before force-clearing it.
	ModificationTimeout time.Duration `env:"TIMEOUT_MODIFICATION" envDefault:"600s"`

	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
	SnapshotTTL     time.Duration `env:"SNAPSHOT_TTL" envDefault:"24h"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Planner.Enabled {
		if c.Planner.APIKey == "" {
			return fmt.Errorf("planner API key is required when the planner is enabled")
		}
		if c.Planner.Provider != "anthropic" {
			return fmt.Errorf("unsupported planner provider: %s", c.Planner.Provider)
		}
	}

	if c.Timeouts.ModificationTimeout <= 0 {
		return fmt.Errorf("modification timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address.
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

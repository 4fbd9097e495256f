package planner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/adapters/planner/anthropic"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

// Planner reacts to task events with graph edits. Attach subscribes it
// to the bus for the lifetime of ctx.
type Planner interface {
	Attach(ctx context.Context, bus ports.EventBus) error
}

// Config holds planner configuration.
type Config struct {
	Provider       string
	APIKey         string
	Model          string
	MaxTokens      int
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// New creates a planner for the configured provider.
func New(cfg *Config) (Planner, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(&anthropic.Config{
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			MaxTokens:      cfg.MaxTokens,
			RequestTimeout: cfg.RequestTimeout,
			Logger:         cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unsupported planner provider: %s", cfg.Provider)
	}
}

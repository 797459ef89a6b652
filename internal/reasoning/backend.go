// Package reasoning wraps the language-model backends used by the orient phase.
package reasoning

import (
	"context"
	"errors"
	"time"
)

const (
	defaultMaxTokens   = 4000
	defaultTemperature = 0.7
)

// ErrNotConfigured is returned by a backend that has no API key.
var ErrNotConfigured = errors.New("reasoning backend not configured")

// Backend turns a system and user prompt into raw completion text.
type Backend interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config is shared by the backends.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return c.Timeout
}

// Func adapts a function to Backend.
type Func struct {
	ID string
	Fn func(ctx context.Context, system, user string) (string, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Complete(ctx context.Context, system, user string) (string, error) {
	return f.Fn(ctx, system, user)
}

// Package executor holds the clients for the remote execution engines.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	EngineCaldera = "caldera"
	EngineShannon = "shannon"
	EngineMock    = "mock"
)

// ErrEngineUnavailable is returned when an engine is not configured or cannot
// be reached at all.
var ErrEngineUnavailable = errors.New("engine unavailable")

// Client is the contract every execution engine satisfies.
type Client interface {
	Name() string
	Execute(ctx context.Context, abilityID, target string, params map[string]string) (Result, error)
	Status(ctx context.Context, executionID string) (string, error)
	Abilities(ctx context.Context) ([]Ability, error)
	Available(ctx context.Context) bool
}

// Result is the outcome reported by an engine.
type Result struct {
	Success bool
	ID      string
	Output  string
	Facts   []Fact
	Error   string
}

// Fact is a raw trait/value pair produced by an engine.
type Fact struct {
	Trait string `json:"trait"`
	Value string `json:"value"`
}

type Ability struct {
	ID          string   `json:"ability_id"`
	Name        string   `json:"name"`
	TechniqueID string   `json:"technique_id"`
	Tactic      string   `json:"tactic"`
	Platforms   []string `json:"platforms,omitempty"`
}

// RetryPolicy bounds the exponential backoff applied to HTTP calls.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 4
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 5 * time.Second
	}
	return p
}

func (p RetryPolicy) options() []backoff.RetryOption {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxAttempts)}
}

// StatusError is an unexpected HTTP status from an engine.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.Code, e.Body)
}

// retryable reports whether a status deserves another attempt.
func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type ShannonConfig struct {
	URL          string
	Retry        RetryPolicy
	PollInterval time.Duration
	PollBudget   time.Duration
	HTTPClient   *http.Client
}

// Shannon is the client for the stealth engine. Without a URL every call
// reports ErrEngineUnavailable so the router can fall back.
type Shannon struct {
	rest         restClient
	configured   bool
	pollInterval time.Duration
	pollBudget   time.Duration
}

func NewShannon(cfg ShannonConfig) *Shannon {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = 2 * time.Minute
	}
	return &Shannon{
		rest:         newRESTClient(cfg.URL, nil, cfg.HTTPClient, cfg.Retry),
		configured:   cfg.URL != "",
		pollInterval: cfg.PollInterval,
		pollBudget:   cfg.PollBudget,
	}
}

func (s *Shannon) Name() string { return EngineShannon }

func (s *Shannon) Execute(ctx context.Context, abilityID, target string, params map[string]string) (Result, error) {
	if !s.configured {
		return Result{}, fmt.Errorf("shannon: %w", ErrEngineUnavailable)
	}
	if params == nil {
		params = map[string]string{}
	}
	taskID := uuid.NewString()
	data, err := s.rest.do(ctx, http.MethodPost, "/execute", map[string]any{
		"task_id":     taskID,
		"description": abilityID,
		"target":      target,
		"params":      params,
	})
	if err != nil {
		return Result{ID: taskID}, err
	}
	parsed := gjson.ParseBytes(data)
	if id := parsed.Get("task_id").String(); id != "" {
		taskID = id
	}
	res := Result{ID: taskID, Output: parsed.Get("output").String()}
	for _, f := range parsed.Get("facts").Array() {
		res.Facts = append(res.Facts, Fact{Trait: f.Get("trait").String(), Value: f.Get("value").String()})
	}

	status, err := pollStatus(ctx, s.pollInterval, s.pollBudget, taskID, s.Status, shannonTerminal)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	res.Success = status == "completed"
	if !res.Success {
		res.Error = "status=" + status
	}
	return res, nil
}

func shannonTerminal(status string) bool {
	switch status {
	case "completed", "failed", "error", "cancelled":
		return true
	}
	return false
}

func (s *Shannon) Status(ctx context.Context, executionID string) (string, error) {
	if !s.configured {
		return "unavailable", ErrEngineUnavailable
	}
	data, err := s.rest.do(ctx, http.MethodGet, "/status/"+url.PathEscape(executionID), nil)
	if err != nil {
		return "unknown", err
	}
	if st := gjson.GetBytes(data, "status").String(); st != "" {
		return st, nil
	}
	return "unknown", nil
}

// Abilities is always empty; Shannon plans its own actions.
func (s *Shannon) Abilities(context.Context) ([]Ability, error) {
	if !s.configured {
		return nil, ErrEngineUnavailable
	}
	return nil, nil
}

func (s *Shannon) Available(ctx context.Context) bool {
	if !s.configured {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.rest.probe(ctx, "/health")
}

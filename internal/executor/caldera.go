package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"athena/internal/domain"
)

const reportOutputLimit = 500

// CalderaConfig configures a Caldera REST v2 client.
type CalderaConfig struct {
	URL          string
	APIKey       string
	Retry        RetryPolicy
	PollInterval time.Duration
	PollBudget   time.Duration
	HTTPClient   *http.Client
}

// Caldera drives a single ability through a throwaway Caldera operation.
type Caldera struct {
	rest         restClient
	configured   bool
	pollInterval time.Duration
	pollBudget   time.Duration
}

func NewCaldera(cfg CalderaConfig) *Caldera {
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["KEY"] = cfg.APIKey
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = 2 * time.Minute
	}
	return &Caldera{
		rest:         newRESTClient(cfg.URL, headers, cfg.HTTPClient, cfg.Retry),
		configured:   cfg.URL != "",
		pollInterval: cfg.PollInterval,
		pollBudget:   cfg.PollBudget,
	}
}

func (c *Caldera) Name() string { return EngineCaldera }

// Execute creates an operation, queues the ability against the agent paw,
// waits for a terminal state and reads the report.
func (c *Caldera) Execute(ctx context.Context, abilityID, target string, params map[string]string) (Result, error) {
	if !c.configured {
		return Result{}, fmt.Errorf("caldera: %w", ErrEngineUnavailable)
	}
	name := "athena-" + uuid.NewString()[:8]
	created, err := c.rest.do(ctx, http.MethodPost, "/api/v2/operations", map[string]any{
		"name":       name,
		"adversary":  map[string]string{"adversary_id": "", "name": ""},
		"source":     map[string]string{"id": "basic", "name": ""},
		"planner":    map[string]string{"id": "atomic", "name": ""},
		"auto_close": true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create operation: %w", err)
	}
	opID := gjson.GetBytes(created, "id").String()
	if opID == "" {
		return Result{}, fmt.Errorf("create operation: response has no id")
	}

	link := map[string]any{"paw": target, "ability_id": abilityID}
	if len(params) > 0 {
		link["facts"] = factParams(params)
	}
	if _, err := c.rest.do(ctx, http.MethodPost, "/api/v2/operations/"+url.PathEscape(opID)+"/potential-links", link); err != nil {
		return Result{ID: opID}, fmt.Errorf("queue ability: %w", err)
	}

	state, err := c.waitTerminal(ctx, opID)
	if err != nil {
		return Result{ID: opID, Error: err.Error()}, nil
	}

	res := Result{ID: opID, Success: state == "finished" || state == "cleanup"}
	if !res.Success {
		res.Error = "operation state " + state
	}
	report, err := c.rest.do(ctx, http.MethodPost, "/api/v2/operations/"+url.PathEscape(opID)+"/report", map[string]bool{"enable_agent_output": true})
	if err != nil {
		// The state is authoritative; a missing report only loses facts.
		return res, nil
	}
	parsed := gjson.ParseBytes(report)
	for _, f := range parsed.Get("facts").Array() {
		res.Facts = append(res.Facts, Fact{Trait: f.Get("trait").String(), Value: f.Get("value").String()})
	}
	if steps := parsed.Get("steps"); steps.Exists() {
		res.Output = domain.Truncate(steps.Raw, reportOutputLimit)
	}
	return res, nil
}

func (c *Caldera) waitTerminal(ctx context.Context, opID string) (string, error) {
	return pollStatus(ctx, c.pollInterval, c.pollBudget, opID, c.Status, func(state string) bool {
		switch state {
		case "finished", "cleanup", "out_of_time":
			return true
		}
		return false
	})
}

func (c *Caldera) Status(ctx context.Context, executionID string) (string, error) {
	if !c.configured {
		return "", ErrEngineUnavailable
	}
	data, err := c.rest.do(ctx, http.MethodGet, "/api/v2/operations/"+url.PathEscape(executionID), nil)
	if err != nil {
		return "unknown", err
	}
	state := gjson.GetBytes(data, "state").String()
	if state == "" {
		state = "unknown"
	}
	return state, nil
}

func (c *Caldera) Abilities(ctx context.Context) ([]Ability, error) {
	if !c.configured {
		return nil, ErrEngineUnavailable
	}
	data, err := c.rest.do(ctx, http.MethodGet, "/api/v2/abilities", nil)
	if err != nil {
		return nil, err
	}
	var out []Ability
	for _, a := range gjson.ParseBytes(data).Array() {
		ab := Ability{
			ID:          a.Get("ability_id").String(),
			Name:        a.Get("name").String(),
			TechniqueID: a.Get("technique_id").String(),
			Tactic:      a.Get("tactic").String(),
		}
		for _, exec := range a.Get("executors").Array() {
			if p := exec.Get("platform").String(); p != "" {
				ab.Platforms = append(ab.Platforms, p)
			}
		}
		out = append(out, ab)
	}
	return out, nil
}

func (c *Caldera) Available(ctx context.Context) bool {
	if !c.configured {
		return false
	}
	return c.rest.probe(ctx, "/api/v2/health")
}

// RemoteAgent is an agent as reported by Caldera.
type RemoteAgent struct {
	Paw       string
	Host      string
	Platform  string
	Privilege string
	LastSeen  string
	Status    string
}

// Agents lists Caldera's agents. Trusted agents are reported alive, the rest untrusted.
func (c *Caldera) Agents(ctx context.Context) ([]RemoteAgent, error) {
	if !c.configured {
		return nil, ErrEngineUnavailable
	}
	data, err := c.rest.do(ctx, http.MethodGet, "/api/v2/agents", nil)
	if err != nil {
		return nil, err
	}
	var out []RemoteAgent
	for _, a := range gjson.ParseBytes(data).Array() {
		ra := RemoteAgent{
			Paw:       a.Get("paw").String(),
			Host:      a.Get("host").String(),
			Platform:  a.Get("platform").String(),
			Privilege: a.Get("privilege").String(),
			LastSeen:  a.Get("last_seen").String(),
			Status:    domain.AgentUntrusted,
		}
		if ra.Paw == "" {
			continue
		}
		if ra.Privilege == "" {
			ra.Privilege = "User"
		}
		if a.Get("trusted").Bool() {
			ra.Status = domain.AgentAlive
		}
		out = append(out, ra)
	}
	return out, nil
}

func factParams(params map[string]string) []Fact {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Fact, 0, len(keys))
	for _, k := range keys {
		out = append(out, Fact{Trait: k, Value: params[k]})
	}
	return out
}

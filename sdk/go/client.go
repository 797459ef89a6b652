package athenasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Athena HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the API mount point, "/api" when empty.
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. A cycle runs synchronously on the
// server, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

// Iteration is one OODA cycle (partial).
type Iteration struct {
	ID                   string  `json:"id"`
	OperationID          string  `json:"operation_id"`
	IterationNumber      int     `json:"iteration_number"`
	Phase                string  `json:"phase"`
	ObserveSummary       string  `json:"observe_summary"`
	OrientSummary        string  `json:"orient_summary"`
	DecideSummary        string  `json:"decide_summary"`
	ActSummary           string  `json:"act_summary"`
	RecommendationID     *string `json:"recommendation_id,omitempty"`
	TechniqueExecutionID *string `json:"technique_execution_id,omitempty"`
	StartedAt            string  `json:"started_at"`
	CompletedAt          *string `json:"completed_at,omitempty"`
}

// TimelineEntry is one phase summary of one iteration.
type TimelineEntry struct {
	IterationNumber int    `json:"iteration_number"`
	Phase           string `json:"phase"`
	Summary         string `json:"summary"`
	Timestamp       string `json:"timestamp"`
}

// Option is one tactical option of a recommendation.
type Option struct {
	TechniqueID       string   `json:"technique_id"`
	TechniqueName     string   `json:"technique_name"`
	Reasoning         string   `json:"reasoning"`
	RiskLevel         string   `json:"risk_level"`
	RecommendedEngine string   `json:"recommended_engine"`
	Confidence        float64  `json:"confidence"`
	Prerequisites     []string `json:"prerequisites"`
}

// Recommendation is the orient phase output.
type Recommendation struct {
	ID                     string   `json:"id"`
	OperationID            string   `json:"operation_id"`
	SituationAssessment    string   `json:"situation_assessment"`
	RecommendedTechniqueID string   `json:"recommended_technique_id"`
	Confidence             float64  `json:"confidence"`
	Options                []Option `json:"options"`
	ReasoningText          string   `json:"reasoning_text"`
	Accepted               *bool    `json:"accepted,omitempty"`
	CreatedAt              string   `json:"created_at"`
}

// DomainHealth is one C5ISR domain score.
type DomainHealth struct {
	Domain    string  `json:"domain"`
	Status    string  `json:"status"`
	HealthPct float64 `json:"health_pct"`
	Detail    string  `json:"detail"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TriggerCycle runs one full OODA cycle on the server.
func (c *Client) TriggerCycle(ctx context.Context, operationID string) (Iteration, error) {
	var resp Iteration
	err := c.do(ctx, http.MethodPost, c.operationPath(operationID, "ooda/trigger"), nil, &resp)
	return resp, err
}

// Current returns the latest iteration.
func (c *Client) Current(ctx context.Context, operationID string) (Iteration, error) {
	var resp Iteration
	err := c.do(ctx, http.MethodGet, c.operationPath(operationID, "ooda/current"), nil, &resp)
	return resp, err
}

// History returns every iteration, oldest first.
func (c *Client) History(ctx context.Context, operationID string) ([]Iteration, error) {
	var resp []Iteration
	err := c.do(ctx, http.MethodGet, c.operationPath(operationID, "ooda/history"), nil, &resp)
	return resp, err
}

func (c *Client) Timeline(ctx context.Context, operationID string) ([]TimelineEntry, error) {
	var resp []TimelineEntry
	err := c.do(ctx, http.MethodGet, c.operationPath(operationID, "ooda/timeline"), nil, &resp)
	return resp, err
}

// AdvancePhase overrides the operation's current phase.
func (c *Client) AdvancePhase(ctx context.Context, operationID, phase string) error {
	return c.do(ctx, http.MethodPost, c.operationPath(operationID, "ooda/phase"), map[string]any{"phase": phase}, nil)
}

func (c *Client) LatestRecommendation(ctx context.Context, operationID string) (Recommendation, error) {
	var resp Recommendation
	err := c.do(ctx, http.MethodGet, c.operationPath(operationID, "recommendations/latest"), nil, &resp)
	return resp, err
}

func (c *Client) AcceptRecommendation(ctx context.Context, operationID, recommendationID string) (Recommendation, error) {
	var resp Recommendation
	endpoint := c.operationPath(operationID, fmt.Sprintf("recommendations/%s/accept", url.PathEscape(recommendationID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// C5ISR returns the six domain health scores.
func (c *Client) C5ISR(ctx context.Context, operationID string) ([]DomainHealth, error) {
	var resp []DomainHealth
	err := c.do(ctx, http.MethodGet, c.operationPath(operationID, "c5isr"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) operationPath(operationID, p string) string {
	return fmt.Sprintf("%s/operations/%s/%s", c.basePath(), url.PathEscape(operationID), strings.TrimLeft(p, "/"))
}

func (c *Client) basePath() string {
	p := strings.Trim(c.BasePath, "/")
	if p == "" {
		return "api"
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

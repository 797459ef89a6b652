package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxResponseBytes = 4 << 20

// restClient is the JSON-over-HTTP transport shared by the engine clients.
type restClient struct {
	base    string
	headers map[string]string
	http    *http.Client
	retry   RetryPolicy
}

func newRESTClient(base string, headers map[string]string, hc *http.Client, retry RetryPolicy) restClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return restClient{base: strings.TrimRight(base, "/"), headers: headers, http: hc, retry: retry}
}

// do sends one request with retries. Network errors, 429 and 5xx are retried;
// any other non-2xx status is returned immediately as *StatusError.
func (c restClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}
	op := func() ([]byte, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if retryable(resp.StatusCode) {
				return nil, se
			}
			return nil, backoff.Permanent(se)
		}
		return data, nil
	}
	attempts := 0
	counted := func() ([]byte, error) {
		attempts++
		return op()
	}
	data, err := backoff.Retry(ctx, counted, c.retry.options()...)
	if err != nil {
		return nil, fmt.Errorf("%s %s after %d attempts: %w", method, path, attempts, err)
	}
	return data, nil
}

// probe issues a single GET without retries and reports whether it returned 200.
func (c restClient) probe(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return false
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

var errPollBudget = errors.New("poll budget exhausted")

// pollStatus calls status every interval until terminal accepts the state or
// budget elapses. Status errors count as a non-terminal poll.
func pollStatus(ctx context.Context, interval, budget time.Duration, id string,
	status func(context.Context, string) (string, error), terminal func(string) bool) (string, error) {
	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		state, err := status(ctx, id)
		if err == nil && terminal(state) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%s: %w after %s", id, errPollBudget, budget)
		case <-tick.C:
		}
	}
}

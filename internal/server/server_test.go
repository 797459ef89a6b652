package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/app"
	"athena/internal/config"
	"athena/internal/domain"
	"athena/internal/ooda"
	"athena/internal/scenario"
)

type testServer struct {
	URL    string
	App    *app.App
	OpID   string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	a, err := app.New(ctx, app.Options{Workspace: t.TempDir(), Config: cfg})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	op, err := scenario.Import(ctx, a.Repo, scenario.Demo(), time.Now())
	if err != nil {
		t.Fatalf("import demo: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: cfg.Server.BasePath, CORSOrigins: cfg.Server.CORSOrigins})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		OpID:   op.ID,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close(context.Background())
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestTriggerCycleAndReadBack(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/operations/" + srv.OpID

	res, data := doJSON(t, client, http.MethodGet, base+"/ooda/current", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "no_iteration", errorCode(t, data))

	for i := 1; i <= 2; i++ {
		res, data = doJSON(t, client, http.MethodPost, base+"/ooda/trigger", nil, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		it := decode[domain.Iteration](t, data)
		assert.Equal(t, i, it.IterationNumber)
		assert.Equal(t, domain.PhaseAct, it.Phase)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/ooda/current", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 2, decode[domain.Iteration](t, data).IterationNumber)

	res, data = doJSON(t, client, http.MethodGet, base+"/ooda/history", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	history := decode[[]domain.Iteration](t, data)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].IterationNumber)

	res, data = doJSON(t, client, http.MethodGet, base+"/ooda/timeline", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]ooda.TimelineEntry](t, data), 8)

	res, data = doJSON(t, client, http.MethodGet, base+"/c5isr", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	health := decode[[]domain.DomainHealth](t, data)
	require.Len(t, health, 6)
	assert.Equal(t, "command", health[0].Domain)

	res, data = doJSON(t, client, http.MethodGet, base+"/executions?status=success", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Execution](t, data), 2)

	res, data = doJSON(t, client, http.MethodGet, base+"/facts", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotEmpty(t, decode[[]domain.Fact](t, data))

	res, data = doJSON(t, client, http.MethodGet, base+"/logs?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	logs := decode[[]domain.LogEntry](t, data)
	require.Len(t, logs, 1)
	assert.True(t, strings.HasPrefix(logs[0].Message, "OODA cycle #2 completed"), logs[0].Message)

	res, data = doJSON(t, client, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 2, decode[domain.Operation](t, data).IterationCount)
}

func TestRecommendationLatestAndAccept(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/operations/" + srv.OpID

	res, data := doJSON(t, client, http.MethodGet, base+"/recommendations/latest", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "no_recommendation", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, base+"/ooda/trigger", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, base+"/recommendations/latest", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rec := decode[domain.Recommendation](t, data)
	assert.Equal(t, "T1003.001", rec.RecommendedTechniqueID)
	assert.Len(t, rec.Options, 3)
	assert.Nil(t, rec.Accepted)

	res, data = doJSON(t, client, http.MethodPost, base+"/recommendations/"+rec.ID+"/accept", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	accepted := decode[domain.Recommendation](t, data)
	require.NotNil(t, accepted.Accepted)
	assert.True(t, *accepted.Accepted)

	res, data = doJSON(t, client, http.MethodPost, base+"/recommendations/missing/accept", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/operations/missing/ooda/trigger", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/operations/missing/ooda/history", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	release, err := srv.App.Controller.Locker.Acquire(context.Background(), srv.OpID)
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/operations/"+srv.OpID+"/ooda/trigger", nil, nil)
	release()
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "cycle_in_progress", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/operations/"+srv.OpID+"/agents/sync", nil, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
}

func TestAdvancePhase(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/operations/" + srv.OpID

	res, data := doJSON(t, client, http.MethodPost, base+"/ooda/phase", map[string]any{"phase": "sleep"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, base+"/ooda/phase", AdvancePhaseRequest{Phase: domain.PhaseDecide}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, PhaseResponse{OperationID: srv.OpID, Phase: domain.PhaseDecide}, decode[PhaseResponse](t, data))

	op, err := srv.App.Repo.GetOperation(context.Background(), srv.OpID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDecide, op.CurrentPhase)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/operations/missing/ooda/phase", AdvancePhaseRequest{Phase: domain.PhaseAct}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestEnginesAndOperations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/engines", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, []app.EngineStatus{{Name: "caldera", Available: true, Primary: true}}, decode[[]app.EngineStatus](t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/operations", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	ops := decode[[]domain.Operation](t, data)
	require.Len(t, ops, 1)
	assert.Equal(t, "PHANTOM-EYE", ops[0].Codename)
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &oas))
	assert.Contains(t, oas.Paths, "/api/operations/{operation_id}/ooda/trigger")
	assert.Contains(t, oas.Paths, "/api/engines")

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/operations/"+srv.OpID+"/ooda/trigger", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `athena_ooda_cycles_total{outcome="completed"} 1`)
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/api/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
	assert.Contains(t, string(bodies[0]), `"ApiError"`)
}

func TestCORSPreflight(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodOptions, srv.URL+"/api/operations", nil, map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, "http://localhost:3000", res.Header.Get("Access-Control-Allow-Origin"))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsCycleEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/ws/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/"+srv.OpID, nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return srv.App.Hub.Subscribers(srv.OpID) == 1 }, 2*time.Second, 10*time.Millisecond)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/operations/"+srv.OpID+"/ooda/trigger", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	var phases []string
	for len(phases) < 4 {
		_, raw, err := conn.Read(ctx)
		require.NoError(t, err)
		var env struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == "ooda.phase" {
			phases = append(phases, env.Data["phase"].(string))
		}
	}
	assert.Equal(t, []string{"observe", "orient", "decide", "act"}, phases)
}

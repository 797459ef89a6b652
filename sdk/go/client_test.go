package athenasdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTriggerCycle(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "it-1", "iteration_number": 3, "phase": "act"})
	}))
	defer srv.Close()

	it, err := New(srv.URL + "/").TriggerCycle(context.Background(), "op 1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/operations/op%201/ooda/trigger" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if it.IterationNumber != 3 || it.Phase != "act" {
		t.Fatalf("unexpected iteration %+v", it)
	}
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"cycle_in_progress","message":"ooda cycle already in progress"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BasePath = "/v1/"
	_, err := c.TriggerCycle(context.Background(), "op-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "cycle_in_progress" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestAdvancePhaseSendsBody(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/operations/op-1/ooda/phase" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"operation_id":"op-1","phase":"decide"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BasePath = "v1"
	if err := c.AdvancePhase(context.Background(), "op-1", "decide"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if body["phase"] != "decide" {
		t.Fatalf("unexpected body %v", body)
	}
}

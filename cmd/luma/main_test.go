package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	prev := serverURL
	serverURL = srv.URL
	t.Cleanup(func() { serverURL = prev })
}

func TestPostJSONStatusMismatch(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown run", http.StatusNotFound)
	})

	_, err := postJSON("/api/v1/runs/x/decision", DecisionRequest{Decision: "approved"}, http.StatusAccepted)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestRunStatusDecodesSnapshot(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"run_id": "run-1",
			"phase":  "running",
			"task": map[string]any{
				"requirement": "Add pause support",
				"target":      map[string]any{"owner": "o", "repo": "r", "branch": "b"},
			},
			"snapshot": map[string]any{
				"state":       "awaiting_approval",
				"retries":     1,
				"max_retries": 3,
			},
		})
	})

	if err := runStatus(statusCmd, []string{"run-1"}); err != nil {
		t.Fatalf("runStatus returned error: %v", err)
	}
}

func TestDecisionRunE(t *testing.T) {
	var got DecisionRequest
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-1/decision" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	})

	if err := decisionRunE("rejected")(rejectCmd, []string{"run-1"}); err != nil {
		t.Fatalf("decision returned error: %v", err)
	}
	if got.Decision != "rejected" {
		t.Errorf("decision = %q, want %q", got.Decision, "rejected")
	}
}

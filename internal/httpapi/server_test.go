package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumaforge/luma/internal/pipeline"
	"github.com/lumaforge/luma/internal/runstore"
	"github.com/lumaforge/luma/internal/workflows"
)

type fakePipeline struct {
	entries   map[string]runstore.Entry
	decisions []workflows.ApprovalSignal
	cancels   []string
	snap      pipeline.Snapshot
	submitErr error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{entries: make(map[string]runstore.Entry)}
}

func (f *fakePipeline) Submit(ctx context.Context, task pipeline.Task) (runstore.Entry, error) {
	if f.submitErr != nil {
		return runstore.Entry{}, f.submitErr
	}
	e := runstore.Entry{
		RunID:      "run-1",
		WorkflowID: "pipeline-run-1",
		Task:       task,
		Phase:      runstore.PhaseRunning,
		CreatedAt:  time.Now(),
	}
	f.entries[e.RunID] = e
	return e, nil
}

func (f *fakePipeline) Decide(ctx context.Context, runID string, sig workflows.ApprovalSignal) error {
	if _, ok := f.entries[runID]; !ok {
		return runstore.ErrUnknownRun
	}
	f.decisions = append(f.decisions, sig)
	return nil
}

func (f *fakePipeline) CancelRun(ctx context.Context, runID, cause string) error {
	if _, ok := f.entries[runID]; !ok {
		return runstore.ErrUnknownRun
	}
	f.cancels = append(f.cancels, cause)
	return nil
}

func (f *fakePipeline) Status(ctx context.Context, runID string) (pipeline.Snapshot, error) {
	return f.snap, nil
}

func (f *fakePipeline) Runs() []runstore.Entry {
	out := make([]runstore.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

func (f *fakePipeline) Run(runID string) (runstore.Entry, bool) {
	e, ok := f.entries[runID]
	return e, ok
}

func newTestServer(t *testing.T) (*Server, *fakePipeline) {
	t.Helper()
	fake := newFakePipeline()
	srv, err := NewServer(fake, zap.NewNop(), ":0")
	require.NoError(t, err)
	return srv, fake
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestSubmitRun(t *testing.T) {
	srv, fake := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/v1/runs", `{
		"requirement": "Add pause support",
		"owner": "lumaforge",
		"repo": "tetris-battle",
		"branch": "feat/issue-12-pause"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, runstore.PhaseRunning, resp.Phase)

	submitted := fake.entries["run-1"].Task
	assert.Equal(t, "Add pause support", submitted.Requirement)
	assert.Equal(t, "main", submitted.Target.BaseBranch)
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/v1/runs", `{"owner": "o", "repo": "r", "branch": "b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/v1/runs", `{"requirement": "x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunWithSnapshot(t *testing.T) {
	srv, fake := newTestServer(t)
	_, err := fake.Submit(context.Background(), pipeline.Task{Requirement: "x"})
	require.NoError(t, err)
	fake.snap = pipeline.Snapshot{RunID: "run-1", State: pipeline.StateAwaitingApproval}

	rec := doRequest(srv, http.MethodGet, "/api/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, pipeline.StateAwaitingApproval, resp.Snapshot.State)

	rec = doRequest(srv, http.MethodGet, "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionEndpoint(t *testing.T) {
	srv, fake := newTestServer(t)
	_, err := fake.Submit(context.Background(), pipeline.Task{Requirement: "x"})
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodPost, "/api/v1/runs/run-1/decision", `{"decision": "approved", "comment": "lgtm"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, fake.decisions, 1)
	assert.Equal(t, pipeline.DecisionApproved, fake.decisions[0].Decision)
	assert.Equal(t, "lgtm", fake.decisions[0].Comment)

	rec = doRequest(srv, http.MethodPost, "/api/v1/runs/run-1/decision", `{"decision": "maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/v1/runs/missing/decision", `{"decision": "approved"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	srv, fake := newTestServer(t)
	_, err := fake.Submit(context.Background(), pipeline.Task{Requirement: "x"})
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodPost, "/api/v1/runs/run-1/cancel", `{"cause": "superseded"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"superseded"}, fake.cancels)

	rec = doRequest(srv, http.MethodPost, "/api/v1/runs/missing/cancel", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

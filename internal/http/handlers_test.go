package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calebmorton/ci-runner-service/internal/degraded"
	"github.com/calebmorton/ci-runner-service/internal/idle"
	"github.com/calebmorton/ci-runner-service/internal/lifecycle"
	"github.com/calebmorton/ci-runner-service/internal/models"
	"github.com/calebmorton/ci-runner-service/internal/overload"
	"github.com/calebmorton/ci-runner-service/internal/store"
	"github.com/calebmorton/ci-runner-service/internal/traffic"
	"github.com/calebmorton/ci-runner-service/internal/workflow"
)

const handlerWorkflowYAML = `
name: CI
on:
  push:
    branches: [main, dev]
jobs:
  CI:
    steps:
      - run: echo build
  codecov:
    needs: CI
    steps:
      - run: echo upload
`

type fakeSubmitter struct {
	ids  []string
	err  error
	last models.Event
}

func (f *fakeSubmitter) Submit(_ context.Context, ev models.Event) ([]string, error) {
	f.last = ev
	return f.ids, f.err
}

type fakeValidator struct {
	err error
}

func (f *fakeValidator) Validate(context.Context) error { return f.err }

// resetState clears the package-level lifecycle and window trackers so tests
// do not bleed into each other.
func resetState(t *testing.T) {
	t.Helper()
	reset := func() {
		lifecycle.SetShuttingDown(false)
		degraded.SetRecoveryDisabled(false)
		overload.Reset()
		degraded.Reset()
		idle.Reset()
		traffic.Reset()
	}
	reset()
	t.Cleanup(reset)
}

func newTestHolder(t *testing.T) *workflow.Holder {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ci.yaml"), []byte(handlerWorkflowYAML), 0o644))
	holder, err := workflow.NewHolder(dir, zap.NewNop())
	require.NoError(t, err)
	return holder
}

func newTestHandler(t *testing.T, sub *fakeSubmitter, val *fakeValidator) (*Handler, store.Store) {
	t.Helper()
	resetState(t)
	if sub == nil {
		sub = &fakeSubmitter{}
	}
	if val == nil {
		val = &fakeValidator{}
	}
	st := store.NewMemoryStore()
	hc := &HealthConfig{
		OverloadWindow:            time.Minute,
		OverloadThresholdPct:      80,
		RateLimitRPS:              100,
		RateLimitBurst:            200,
		DegradedWindow:            time.Minute,
		DegradedErrorPct:          50,
		IdleWindow:                time.Minute,
		IdleThresholdEventsPerMin: 1,
		MinimumLifespan:           time.Hour, // never idle during tests
		StartTime:                 time.Now(),
	}
	h := NewHandler(sub, st, newTestHolder(t), val, hc, zap.NewNop(), nil)
	return h, st
}

// newTestRouter registers the handler routes so mux.Vars works in tests.
func newTestRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.GetHealth).Methods("GET")
	r.HandleFunc("/events", h.PostEvent).Methods("POST")
	r.HandleFunc("/runs", h.GetRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	r.HandleFunc("/workflows", h.GetWorkflows).Methods("GET")
	r.HandleFunc("/workflows/{name}/graph.dot", h.GetWorkflowGraph).Methods("GET")
	return r
}

func postEvent(t *testing.T, router *mux.Router, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "response has no error object: %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func validPushPayload() map[string]string {
	return map[string]string{
		"name": "push",
		"repo": "acme/reat",
		"ref":  "refs/heads/main",
		"sha":  "0123abc4567890def",
	}
}

func TestPostEventStartsRuns(t *testing.T) {
	sub := &fakeSubmitter{ids: []string{"run-1"}}
	h, _ := newTestHandler(t, sub, nil)
	router := newTestRouter(h)

	rec := postEvent(t, router, validPushPayload())

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, []interface{}{"run-1"}, body["runIds"])

	assert.Equal(t, "push", sub.last.Name)
	assert.Equal(t, "acme/reat", sub.last.Repo)
	assert.Equal(t, "main", sub.last.Branch)
	assert.Equal(t, "0123abc4567890def", sub.last.HeadSHA)
}

func TestPostEventNoMatch(t *testing.T) {
	h, _ := newTestHandler(t, &fakeSubmitter{ids: nil}, nil)
	router := newTestRouter(h)

	rec := postEvent(t, router, validPushPayload())

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, []interface{}{}, body["runIds"])
}

func TestPostEventInvalidBody(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_BODY", errorCode(t, rec))
}

func TestPostEventValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]string)
		message string
	}{
		{"unknown event name", func(p map[string]string) { p["name"] = "deployment" }, "name must be push or pull_request"},
		{"repo missing slash", func(p map[string]string) { p["repo"] = "reat" }, "repo must be owner/name"},
		{"short ref", func(p map[string]string) { p["ref"] = "main" }, "ref must start with refs/heads/ or refs/tags/"},
		{"non-hex sha", func(p map[string]string) { p["sha"] = "not-a-sha!" }, "headSha must be 7-64 hex characters"},
		{"pull_request without base branch", func(p map[string]string) { p["name"] = "pull_request" }, "baseBranch is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, nil, nil)
			router := newTestRouter(h)

			payload := validPushPayload()
			tt.mutate(payload)
			rec := postEvent(t, router, payload)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "INVALID_EVENT", errorCode(t, rec))
			errObj := decodeBody(t, rec)["error"].(map[string]interface{})
			assert.Contains(t, errObj["message"], tt.message)
		})
	}
}

func TestPostEventPullRequestWithBaseBranch(t *testing.T) {
	sub := &fakeSubmitter{ids: []string{"run-2"}}
	h, _ := newTestHandler(t, sub, nil)
	router := newTestRouter(h)

	payload := validPushPayload()
	payload["name"] = "pull_request"
	payload["ref"] = "refs/heads/feature-x"
	payload["baseBranch"] = "main"
	rec := postEvent(t, router, payload)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "pull_request", sub.last.Name)
	assert.Equal(t, "main", sub.last.BaseBranch)
	assert.Equal(t, "feature-x", sub.last.Branch)
}

func TestPostEventWhileShuttingDown(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	lifecycle.SetShuttingDown(true)
	rec := postEvent(t, router, validPushPayload())

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SHUTTING_DOWN", errorCode(t, rec))
}

func TestPostEventSubmitError(t *testing.T) {
	h, _ := newTestHandler(t, &fakeSubmitter{err: errors.New("boom")}, nil)
	router := newTestRouter(h)

	rec := postEvent(t, router, validPushPayload())

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "SUBMIT_FAILED", errorCode(t, rec))
}

func saveRun(t *testing.T, st store.Store, id string, createdAt time.Time) *models.Run {
	t.Helper()
	run := &models.Run{
		ID:       id,
		Workflow: "CI",
		Status:   models.StatusSuccess,
		Jobs: []models.JobRun{
			{Name: "CI", Status: models.StatusSuccess},
			{Name: "codecov", Status: models.StatusSkipped, Reason: "condition false"},
		},
		CreatedAt: createdAt,
	}
	require.NoError(t, st.SaveRun(context.Background(), run))
	return run
}

func TestGetRuns(t *testing.T) {
	h, st := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	saveRun(t, st, "older", time.Now().Add(-time.Hour))
	saveRun(t, st, "newer", time.Now())

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	runs, ok := body["runs"].([]interface{})
	require.True(t, ok)
	require.Len(t, runs, 2)
	first := runs[0].(map[string]interface{})
	assert.Equal(t, "newer", first["id"], "runs should be latest-first")
}

func TestGetRunsLimit(t *testing.T) {
	h, st := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	saveRun(t, st, "older", time.Now().Add(-time.Hour))
	saveRun(t, st, "newer", time.Now())

	req := httptest.NewRequest(http.MethodGet, "/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody(t, rec)["runs"].([]interface{})
	assert.Len(t, runs, 1)
}

func TestGetRunsInvalidLimit(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	for _, limit := range []string{"0", "-3", "many"} {
		req := httptest.NewRequest(http.MethodGet, "/runs?limit="+limit, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
		assert.Equal(t, "INVALID_LIMIT", errorCode(t, rec))
	}
}

func TestGetRun(t *testing.T) {
	h, st := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	saveRun(t, st, "run-1", time.Now())

	req := httptest.NewRequest(http.MethodGet, "/runs/run-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "run-1", body["id"])
	assert.Equal(t, "CI", body["workflow"])
}

func TestGetRunNotFound(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/runs/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RUN_NOT_FOUND", errorCode(t, rec))
}

func TestGetWorkflows(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	workflows := decodeBody(t, rec)["workflows"].([]interface{})
	require.Len(t, workflows, 1)
	wf := workflows[0].(map[string]interface{})
	assert.Equal(t, "CI", wf["name"])
}

func TestGetWorkflowGraph(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/workflows/CI/graph.dot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/vnd.graphviz", rec.Header().Get("Content-Type"))
	dot := rec.Body.String()
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, `"CI"`)
	assert.Contains(t, dot, `"codecov"`)
}

func TestGetWorkflowGraphWithRunStatuses(t *testing.T) {
	h, st := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	saveRun(t, st, "run-1", time.Now())

	req := httptest.NewRequest(http.MethodGet, "/workflows/CI/graph.dot?run=run-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	dot := rec.Body.String()
	assert.Contains(t, dot, `"CI" [ fillcolor="#2ea043" ]`, "successful job should be green")
}

func TestGetWorkflowGraphUnknownWorkflow(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/workflows/nope/graph.dot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "WORKFLOW_NOT_FOUND", errorCode(t, rec))
}

func TestGetWorkflowGraphUnknownRun(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/workflows/CI/graph.dot?run=nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RUN_NOT_FOUND", errorCode(t, rec))
}

func getHealth(t *testing.T, h *Handler) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, req)
	return rec
}

func TestGetHealthHealthy(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)

	rec := getHealth(t, h)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ci-runner-service", body["service"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["coverageApi"])
}

func TestGetHealthShuttingDown(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)

	lifecycle.SetShuttingDown(true)
	rec := getHealth(t, h)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "shutting-down", decodeBody(t, rec)["status"])
}

func TestGetHealthTokenInvalid(t *testing.T) {
	h, _ := newTestHandler(t, nil, &fakeValidator{err: errors.New("401")})

	rec := getHealth(t, h)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "unhealthy", checks["coverageApi"])
}

func TestGetHealthDegradedOnErrorRate(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)

	traffic.RecordErrorN(6)
	traffic.RecordSuccessN(4)

	rec := getHealth(t, h)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decodeBody(t, rec)["status"])
}

func TestGetHealthIdle(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	// Backdate the start time so the idle check is eligible; no events recorded.
	h.healthConfig.StartTime = time.Now().Add(-2 * time.Hour)

	rec := getHealth(t, h)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeBody(t, rec)["status"])
}

func TestGetHealthOverloaded(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	// 9 of 10 events denied: 90% share, above the 80% threshold.
	overload.RecordAccepted()
	for i := 0; i < 9; i++ {
		overload.RecordDenial()
	}

	rec := getHealth(t, h)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "overloaded", decodeBody(t, rec)["status"])
}

func TestGetHealthNotOverloadedBelowDenialShare(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	// 1 of 10 events denied: 10% share, below the 80% threshold.
	for i := 0; i < 9; i++ {
		overload.RecordAccepted()
	}
	overload.RecordDenial()

	rec := getHealth(t, h)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

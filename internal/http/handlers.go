package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/calebmorton/ci-runner-service/internal/degraded"
	"github.com/calebmorton/ci-runner-service/internal/drawer"
	"github.com/calebmorton/ci-runner-service/internal/idle"
	"github.com/calebmorton/ci-runner-service/internal/lifecycle"
	"github.com/calebmorton/ci-runner-service/internal/models"
	"github.com/calebmorton/ci-runner-service/internal/observability"
	"github.com/calebmorton/ci-runner-service/internal/overload"
	"github.com/calebmorton/ci-runner-service/internal/plan"
	"github.com/calebmorton/ci-runner-service/internal/store"
	"github.com/calebmorton/ci-runner-service/internal/traffic"
	"github.com/calebmorton/ci-runner-service/internal/validation"
	"github.com/calebmorton/ci-runner-service/internal/workflow"
)

const defaultRunsLimit = 50

// RunSubmitter starts runs for an event. Implemented by engine.Engine.
type RunSubmitter interface {
	Submit(ctx context.Context, ev models.Event) ([]string, error)
}

// TokenValidator probes the coverage upstream token. Implemented by
// coverage.Client.
type TokenValidator interface {
	Validate(ctx context.Context) error
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow            time.Duration
	OverloadThresholdPct      int
	RateLimitRPS              int
	RateLimitBurst            int // 0 when rate limiter disabled
	DegradedWindow            time.Duration
	DegradedErrorPct          int
	DegradedRetryInitial      time.Duration
	DegradedRetryMax          time.Duration
	IdleWindow                time.Duration
	IdleThresholdEventsPerMin int
	MinimumLifespan           time.Duration
	StartTime                 time.Time
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine           RunSubmitter
	store            store.Store
	holder           *workflow.Holder
	coverage         TokenValidator
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	engine RunSubmitter,
	st store.Store,
	holder *workflow.Holder,
	coverage TokenValidator,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	return &Handler{
		engine:       engine,
		store:        st,
		holder:       holder,
		coverage:     coverage,
		healthConfig: healthConfig,
		logger:       logger,
		rateLimiter:  rateLimiter,
	}
}

// eventRequest is the POST /events payload.
type eventRequest struct {
	Name       string `json:"name"`
	DeliveryID string `json:"deliveryId"`
	Repo       string `json:"repo"`
	Ref        string `json:"ref"`
	BaseBranch string `json:"baseBranch"`
	SHA        string `json:"sha"`
}

// PostEvent handles POST /events: validate, admit, and start matching runs.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	if lifecycle.IsShuttingDown() {
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down")
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
		return
	}

	ev, err := buildEvent(req)
	if err != nil {
		observability.EventsTotal.WithLabelValues(req.Name, "rejected").Inc()
		writeError(w, r, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	idle.RecordEvent()
	traffic.RecordAccepted()

	ids, err := h.engine.Submit(r.Context(), ev)
	if err != nil {
		observability.EventsTotal.WithLabelValues(ev.Name, "error").Inc()
		h.logger.Error("event submission failed",
			zap.String("event", ev.Name),
			zap.String("ref", ev.Ref),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "SUBMIT_FAILED", "unable to start runs")
		return
	}

	outcome := "matched"
	if len(ids) == 0 {
		outcome = "no_match"
		ids = []string{}
	}
	observability.EventsTotal.WithLabelValues(ev.Name, outcome).Inc()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"runIds":   ids,
	})
}

// buildEvent validates the payload and maps it to a models.Event.
func buildEvent(req eventRequest) (models.Event, error) {
	var zero models.Event

	if req.Name != models.EventPush && req.Name != models.EventPullRequest {
		return zero, validation.ErrEventName
	}
	repo, err := validation.ValidateRepo(req.Repo)
	if err != nil {
		return zero, err
	}
	ref, err := validation.ValidateRef(req.Ref)
	if err != nil {
		return zero, err
	}
	sha, err := validation.ValidateSHA(req.SHA)
	if err != nil {
		return zero, err
	}
	baseBranch := strings.TrimSpace(req.BaseBranch)
	if req.Name == models.EventPullRequest && baseBranch == "" {
		return zero, validation.ErrBaseBranchEmpty
	}

	return models.Event{
		Name:       req.Name,
		DeliveryID: req.DeliveryID,
		Repo:       repo,
		Ref:        ref,
		Branch:     validation.BranchFromRef(ref),
		BaseBranch: baseBranch,
		HeadSHA:    sha,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// GetRuns handles GET /runs. Accepts ?limit=.
func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to list runs")
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, r, http.StatusNotFound, "RUN_NOT_FOUND", "no run with id "+id)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetWorkflows handles GET /workflows.
func (h *Handler) GetWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": h.holder.Get().All(),
	})
}

// GetWorkflowGraph handles GET /workflows/{name}/graph.dot. With ?run=<id>
// the nodes are coloured by that run's job statuses.
func (h *Handler) GetWorkflowGraph(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	wf := h.holder.Get().Get(name)
	if wf == nil {
		writeError(w, r, http.StatusNotFound, "WORKFLOW_NOT_FOUND", "no workflow named "+name)
		return
	}

	p, err := plan.Build(wf)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "PLAN_ERROR", "unable to plan workflow")
		return
	}

	var statuses map[string]models.Status
	if runID := r.URL.Query().Get("run"); runID != "" {
		run, err := h.store.GetRun(r.Context(), runID)
		if err != nil {
			if err == store.ErrNotFound {
				writeError(w, r, http.StatusNotFound, "RUN_NOT_FOUND", "no run with id "+runID)
				return
			}
			writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to load run")
			return
		}
		statuses = make(map[string]models.Status, len(run.Jobs))
		for _, j := range run.Jobs {
			statuses[j.Name] = j.Status
		}
	}

	w.Header().Set("Content-Type", "text/vnd.graphviz")
	if err := drawer.Draw(w, p, statuses); err != nil {
		h.logger.Error("graph render failed", zap.String("workflow", name), zap.Error(err))
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["coverageApi"] = "unhealthy"
	} else {
		checks["coverageApi"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "ci-runner-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating multiple conditions
// in priority order. Returns healthResult with status, HTTP status code, and reason.
// Decision order: shutting-down > token invalid > overloaded > idle > degraded > healthy.
// Each condition is evaluated only if previous conditions are not met.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	// Priority 1: Check if service is shutting down
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	// Priority 2: If no health config, only check token validity
	if h.healthConfig == nil {
		if err := h.coverage.Validate(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "token_invalid"}
		}
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Priority 3: Validate token (required for all health checks)
	if err := h.coverage.Validate(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "token_invalid"}
	}
	// Priority 4: Check overload threshold (rate limit denial share exceeds configured percentage)
	if overload.Overloaded(h.healthConfig.OverloadWindow, h.healthConfig.OverloadThresholdPct) {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	// Priority 5: Check idle conditions (only if uptime exceeds minimum lifespan)
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if idle.EventCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdEventsPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	// Priority 6: Check degraded state (run error share exceeds configured threshold)
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 &&
		degraded.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	// Default: All checks passed, service is healthy
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

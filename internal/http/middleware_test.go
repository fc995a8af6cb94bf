package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestCorrelationIDMiddlewareGeneratesID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value("correlation_id").(string)
	})

	handler := CorrelationIDMiddleware(zap.NewNop())(inner)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.NotEmpty(t, seen)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err, "generated correlation ID should be a UUID")
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))
}

func TestCorrelationIDMiddlewareKeepsIncomingID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value("correlation_id").(string)
	})

	handler := CorrelationIDMiddleware(zap.NewNop())(inner)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "given-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "given-id", seen)
	assert.Equal(t, "given-id", rec.Header().Get("X-Correlation-ID"))
}

func TestCorrelationIDMiddlewareInjectsLogger(t *testing.T) {
	var logger *zap.Logger
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger, _ = r.Context().Value("logger").(*zap.Logger)
	})

	handler := CorrelationIDMiddleware(zap.NewNop())(inner)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotNil(t, logger)
}

func TestMetricsMiddlewareTracksInFlight(t *testing.T) {
	var during int64
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = InFlightCount()
		w.WriteHeader(http.StatusTeapot)
	})

	before := InFlightCount()
	rec := httptest.NewRecorder()
	MetricsMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))

	assert.Equal(t, before+1, during)
	assert.Equal(t, before, InFlightCount())
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRateLimitMiddlewareNilLimiterPassesThrough(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	RateLimitMiddleware(nil)(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/events", nil))

	assert.True(t, called)
}

func TestRateLimitMiddlewareDenies(t *testing.T) {
	resetState(t)
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := RateLimitMiddleware(limiter)(inner)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/events", nil))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/events", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, second))
}

func TestTimeoutMiddlewareSetsDeadline(t *testing.T) {
	var hasDeadline bool
	var remaining time.Duration
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		hasDeadline = ok
		remaining = time.Until(deadline)
	})

	TimeoutMiddleware(5*time.Second)(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/events", nil))

	require.True(t, hasDeadline)
	assert.LessOrEqual(t, remaining, 5*time.Second)
	assert.Greater(t, remaining, 4*time.Second)
}

func TestGetRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/events", "/events"},
		{"/runs", "/runs"},
		{"/runs/abc-123", "/runs/{id}"},
		{"/workflows", "/workflows"},
		{"/workflows/CI/graph.dot", "/workflows/{name}/graph.dot"},
		{"/unknown", "/unknown"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		assert.Equal(t, tt.want, getRoute(r), tt.path)
	}
}

func TestStatusCodeString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeString(202))
	assert.Equal(t, "4xx", statusCodeString(404))
	assert.Equal(t, "5xx", statusCodeString(503))
}

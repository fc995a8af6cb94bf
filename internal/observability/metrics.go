package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calebmorton/ci-runner-service/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (webhook storm).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation during shutdown drain.
	HTTPRequestsInFlight prometheus.Gauge

	// Webhook events by name and outcome (accepted, denied, unmatched, invalid).
	EventsTotal *prometheus.CounterVec

	// Runs by workflow and final status. Watch for: failure ratio per workflow.
	RunsTotal *prometheus.CounterVec

	// End-to-end run latency per workflow.
	RunDuration *prometheus.HistogramVec

	// Job executions by workflow, job and final status.
	JobsTotal *prometheus.CounterVec

	// Step latency per job. Watch for: slow fmt/lint/test steps.
	StepDuration *prometheus.HistogramVec

	// Runs currently executing.
	RunsActive prometheus.Gauge

	// Job result cache hits. Hit rate = hits/(hits+JobsTotal misses).
	CacheHitsTotal *prometheus.CounterVec

	// Job result cache errors by operation and reason (timeout, connection, unknown).
	CacheErrorsTotal *prometheus.CounterVec

	// Job result cache operation latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Coverage upload attempts by status. Watch for: error vs success ratio.
	CoverageUploadsTotal *prometheus.CounterVec

	// Coverage upload latency by status.
	CoverageUploadDuration *prometheus.HistogramVec

	// Retry attempts for coverage uploads. High retries = unstable endpoint.
	CoverageUploadRetriesTotal prometheus.Counter

	// Release publishes by status.
	ReleasePublishesTotal *prometheus.CounterVec

	// Artifacts uploaded across all releases.
	ReleaseArtifactsTotal prometheus.Counter

	// Workflow file reloads by result (applied, rejected).
	WorkflowReloadsTotal *prometheus.CounterVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// In-flight requests observed at shutdown.
	shutdownInFlight prometheus.Gauge

	circuitBreakerState *prometheus.GaugeVec

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsTotal",
			Help: "Webhook events by name and outcome (accepted, denied, unmatched, invalid)",
		},
		[]string{"event", "outcome"},
	)
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsTotal",
			Help: "Workflow runs by workflow and final status",
		},
		[]string{"workflow", "status"},
	)
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runDurationSeconds",
			Help:    "End-to-end run latency in seconds per workflow",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"workflow"},
	)
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsTotal",
			Help: "Job executions by workflow, job and final status",
		},
		[]string{"workflow", "job", "status"},
	)
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepDurationSeconds",
			Help:    "Step latency in seconds per job",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"job"},
	)
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runsActive",
			Help: "Number of runs currently executing",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Job result cache hits by cache type",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Job result cache errors by operation and reason",
		},
		[]string{"operation", "reason"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Job result cache operation latency by operation and result",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "result"},
	)
	CoverageUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverageUploadsTotal",
			Help: "Coverage upload attempts by status",
		},
		[]string{"status"},
	)
	CoverageUploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coverageUploadDurationSeconds",
			Help:    "Coverage upload latency in seconds by status",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	CoverageUploadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coverageUploadRetriesTotal",
			Help: "Total number of retry attempts for coverage uploads",
		},
	)
	ReleasePublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "releasePublishesTotal",
			Help: "Release publishes by status",
		},
		[]string{"status"},
	)
	ReleaseArtifactsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "releaseArtifactsTotal",
			Help: "Artifacts uploaded across all releases",
		},
	)
	WorkflowReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowReloadsTotal",
			Help: "Workflow file reloads by result (applied, rejected)",
		},
		[]string{"result"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions per component",
		},
		[]string{"component", "from", "to"},
	)
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state per component (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	shutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests observed when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		EventsTotal, RunsTotal, RunDuration, JobsTotal, StepDuration, RunsActive,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CoverageUploadsTotal, CoverageUploadDuration, CoverageUploadRetriesTotal,
		ReleasePublishesTotal, ReleaseArtifactsTotal,
		WorkflowReloadsTotal,
		CircuitBreakerTransitionsTotal, circuitBreakerState,
		RateLimitDeniedTotal, shutdownInFlight,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the webhook path.
// Call from main after config load with cfg.OverloadWindow.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Webhook events hitting the rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting events",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// RecordCircuitBreakerTransition records a breaker transition for metrics.
// State labels follow gobreaker's String() values.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current breaker state gauge for a component.
func SetCircuitBreakerStateGauge(component string, value float64) {
	circuitBreakerState.WithLabelValues(component).Set(value)
}

// RecordShutdownInFlight records the in-flight request count at shutdown.
func RecordShutdownInFlight(count int64) {
	shutdownInFlight.Set(float64(count))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

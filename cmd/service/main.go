package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/calebmorton/ci-runner-service/internal/cache"
	"github.com/calebmorton/ci-runner-service/internal/config"
	"github.com/calebmorton/ci-runner-service/internal/coverage"
	"github.com/calebmorton/ci-runner-service/internal/degraded"
	"github.com/calebmorton/ci-runner-service/internal/engine"
	httphandler "github.com/calebmorton/ci-runner-service/internal/http"
	"github.com/calebmorton/ci-runner-service/internal/lifecycle"
	"github.com/calebmorton/ci-runner-service/internal/observability"
	"github.com/calebmorton/ci-runner-service/internal/release"
	"github.com/calebmorton/ci-runner-service/internal/runner"
	"github.com/calebmorton/ci-runner-service/internal/store"
	"github.com/calebmorton/ci-runner-service/internal/workflow"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	var runStore store.Store
	if cfg.DataDir != "" {
		bs, err := store.OpenBadgerStore(cfg.DataDir)
		if err != nil {
			logger.Fatal("run store", zap.Error(err))
		}
		runStore = bs
		logger.Info("run store: badger", zap.String("dir", cfg.DataDir))
	} else {
		runStore = store.NewMemoryStore()
		logger.Info("run store: in-memory (runs do not survive restarts)")
	}

	var jobCache cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		jobCache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		jobCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	coverageClient, err := coverage.NewClientWithBreaker(
		cfg.CoverageToken,
		cfg.CoverageURL,
		cfg.CoverageTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
		coverage.BreakerConfig{
			Enabled:          cfg.CircuitBreakerEnabled,
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
		},
	)
	if err != nil {
		logger.Fatal("coverage client", zap.Error(err))
	}
	observability.SetCircuitBreakerStateGauge("coverage", 0)

	// A degraded coverage upstream triggers Fibonacci-backoff probes; if the
	// whole sequence fails, the instance flags itself shutting-down.
	degraded.StartRecoveryListener(appCtx, coverageClient.Validate,
		cfg.DegradedRetryInitial, cfg.DegradedRetryMax,
		func() {
			logger.Error("coverage upstream did not recover; flagging shutdown")
			lifecycle.SetShuttingDown(true)
		})

	releaseClient := release.NewClient(cfg.ReleaseToken, cfg.ReleaseURL, releaseManifestDir(cfg), cfg.ReleaseTimeout)
	if cfg.ReleaseURL == "" {
		logger.Info("release host not configured; publishing manifests locally only")
	}

	jobRunner := runner.New(runner.Config{DefaultTimeout: cfg.StepTimeout}, logger)
	jobRunner.RegisterSecret(cfg.CoverageToken)
	jobRunner.RegisterSecret(cfg.ReleaseToken)
	jobRunner.RegisterAction(workflow.ActionCheckout, runner.CheckoutAction{})
	jobRunner.RegisterAction(workflow.ActionCoverageUpload, coverage.NewAction(coverageClient, logger))
	jobRunner.RegisterAction(workflow.ActionReleasePublish, release.NewAction(releaseClient, logger))

	holder, err := workflow.NewHolder(cfg.WorkflowsDir, logger)
	if err != nil {
		logger.Fatal("workflows", zap.Error(err))
	}
	logger.Info("workflows loaded",
		zap.String("dir", cfg.WorkflowsDir),
		zap.Strings("names", holder.Get().Names()))
	if cfg.WatchWorkflows {
		if err := holder.StartWatcher(appCtx); err != nil {
			logger.Warn("workflow watcher", zap.Error(err))
		}
	}

	eng := engine.New(cfg, holder, runStore, jobCache, cfg.CacheBackend, jobRunner, logger)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:            cfg.OverloadWindow,
		OverloadThresholdPct:      cfg.OverloadThresholdPct,
		RateLimitRPS:              cfg.RateLimitRPS,
		RateLimitBurst:            cfg.RateLimitBurst,
		DegradedWindow:            cfg.DegradedWindow,
		DegradedErrorPct:          cfg.DegradedErrorPct,
		DegradedRetryInitial:      cfg.DegradedRetryInitial,
		DegradedRetryMax:          cfg.DegradedRetryMax,
		IdleWindow:                cfg.IdleWindow,
		IdleThresholdEventsPerMin: cfg.IdleThresholdEventsPerMin,
		MinimumLifespan:           cfg.MinimumLifespan,
		StartTime:                 time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(eng, runStore, holder, coverageClient, healthConfig, logger, limiter)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	eventsRouter := router.PathPrefix("/events").Subrouter()
	eventsRouter.Use(httphandler.RateLimitMiddleware(limiter))
	eventsRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	eventsRouter.HandleFunc("", handler.PostEvent).Methods("POST")

	router.HandleFunc("/runs", handler.GetRuns).Methods("GET")
	router.HandleFunc("/runs/{id}", handler.GetRun).Methods("GET")
	router.HandleFunc("/workflows", handler.GetWorkflows).Methods("GET")
	router.HandleFunc("/workflows/{name}/graph.dot", handler.GetWorkflowGraph).Methods("GET")

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", handler.PostTestAction).Methods("POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	logger.Info("waiting for active runs to finish", zap.Int("count", eng.ActiveRuns()))
	eng.Wait()

	appCancel()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := runStore.Close(); err != nil {
		logger.Error("run store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// releaseManifestDir keeps release manifests next to the run data when a
// data dir is configured, otherwise under the workspace root.
func releaseManifestDir(cfg *config.Config) string {
	if cfg.DataDir != "" {
		return cfg.DataDir + "/releases"
	}
	return cfg.WorkspaceDir + "/releases"
}

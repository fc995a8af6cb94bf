package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	WorkflowsDir   string
	WatchWorkflows bool
	WorkspaceDir   string
	DataDir        string // badger store path; empty = in-memory store

	MaxConcurrentRuns int
	MaxConcurrentJobs int
	StepTimeout       time.Duration
	RunTimeout        time.Duration

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	CoverageToken   string
	CoverageURL     string
	CoverageTimeout time.Duration

	ReleaseToken   string
	ReleaseURL     string
	ReleaseTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	ReadyDelay                time.Duration
	OverloadWindow            time.Duration
	OverloadThresholdPct      int
	IdleThresholdEventsPerMin int
	IdleWindow                time.Duration
	MinimumLifespan           time.Duration
	DegradedWindow            time.Duration
	DegradedErrorPct          int
	DegradedRetryInitial      time.Duration
	DegradedRetryMax          time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Workflows struct {
		Dir   string `yaml:"dir"`
		Watch *bool  `yaml:"watch"`
	} `yaml:"workflows"`

	Runner struct {
		WorkspaceDir      string `yaml:"workspace_dir"`
		MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
		MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
		StepTimeout       string `yaml:"step_timeout"`
		RunTimeout        string `yaml:"run_timeout"`
	} `yaml:"runner"`

	Store struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"store"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Coverage struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coverage"`

	Release struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"release"`

	Reliability struct {
		RetryMaxAttempts               int    `yaml:"retry_max_attempts"`
		RetryBaseDelay                 string `yaml:"retry_base_delay"`
		RetryMaxDelay                  string `yaml:"retry_max_delay"`
		RateLimitRPS                   int    `yaml:"rate_limit_rps"`
		RateLimitBurst                 int    `yaml:"rate_limit_burst"`
		CircuitBreakerEnabled          *bool  `yaml:"circuit_breaker_enabled"`
		CircuitBreakerFailureThreshold int    `yaml:"circuit_breaker_failure_threshold"`
		CircuitBreakerSuccessThreshold int    `yaml:"circuit_breaker_success_threshold"`
		CircuitBreakerTimeout          string `yaml:"circuit_breaker_timeout"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		ReadyDelay                string `yaml:"ready_delay"`
		OverloadWindow            string `yaml:"overload_window"`
		OverloadThresholdPct      int    `yaml:"overload_threshold_pct"`
		IdleThresholdEventsPerMin int    `yaml:"idle_threshold_events_per_min"`
		IdleWindow                string `yaml:"idle_window"`
		MinimumLifespan           string `yaml:"minimum_lifespan"`
		DegradedWindow            string `yaml:"degraded_window"`
		DegradedErrorPct          int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial      string `yaml:"degraded_retry_initial"`
		DegradedRetryMax          string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev).
// Secrets (CODECOV_TOKEN, RELEASE_TOKEN) come from the environment; a .env
// file in the working directory is loaded first if present. Call from
// project root.
func Load() (*Config, error) {
	// Missing .env is fine; env vars win over .env values by godotenv semantics.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: false,
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WorkflowsDir = strings.TrimSpace(os.Getenv("WORKFLOWS_DIR"))
	if cfg.WorkflowsDir == "" {
		cfg.WorkflowsDir = strings.TrimSpace(fc.Workflows.Dir)
	}
	if cfg.WorkflowsDir == "" {
		cfg.WorkflowsDir = filepath.Join(cwd, "workflows")
	}
	cfg.WatchWorkflows = true
	if fc.Workflows.Watch != nil {
		cfg.WatchWorkflows = *fc.Workflows.Watch
	}

	cfg.WorkspaceDir = strings.TrimSpace(fc.Runner.WorkspaceDir)
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(os.TempDir(), "ci-runner")
	}
	cfg.MaxConcurrentRuns = fc.Runner.MaxConcurrentRuns
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}
	cfg.MaxConcurrentJobs = fc.Runner.MaxConcurrentJobs
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	cfg.StepTimeout = parseDuration(fc.Runner.StepTimeout, 10*time.Minute)
	cfg.RunTimeout = parseDuration(fc.Runner.RunTimeout, time.Hour)

	cfg.DataDir = strings.TrimSpace(os.Getenv("DATA_DIR"))
	if cfg.DataDir == "" {
		cfg.DataDir = strings.TrimSpace(fc.Store.DataDir)
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 24*time.Hour)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.CoverageToken = os.Getenv("CODECOV_TOKEN")
	if cfg.CoverageToken == "" {
		return nil, fmt.Errorf("CODECOV_TOKEN required (set env or .env)")
	}
	cfg.CoverageURL = fc.Coverage.URL
	if cfg.CoverageURL == "" {
		cfg.CoverageURL = "https://codecov.io/upload/v2"
	}
	cfg.CoverageTimeout = parseDurationOrZero(fc.Coverage.Timeout, 30*time.Second)

	cfg.ReleaseToken = os.Getenv("RELEASE_TOKEN")
	cfg.ReleaseURL = fc.Release.URL
	cfg.ReleaseTimeout = parseDuration(fc.Release.Timeout, 60*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreakerEnabled != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreakerEnabled
	}
	cfg.CircuitBreakerFailureThreshold = fc.Reliability.CircuitBreakerFailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.Reliability.CircuitBreakerSuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreakerTimeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 30*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.ReadyDelay = parseDuration(fc.Lifecycle.ReadyDelay, 3*time.Second)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdEventsPerMin = fc.Lifecycle.IdleThresholdEventsPerMin
	if cfg.IdleThresholdEventsPerMin <= 0 {
		cfg.IdleThresholdEventsPerMin = 5
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, 1*time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	if v := strings.TrimSpace(os.Getenv("MAX_CONCURRENT_RUNS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentRuns = n
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.CoverageTimeout <= 0 {
		return fmt.Errorf("coverage.timeout must be positive")
	}
	if cfg.StepTimeout >= cfg.RunTimeout {
		cfg.RunTimeout = cfg.StepTimeout + time.Minute
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	return nil
}

//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/calebmorton/ci-runner-service/internal/cache"
	"github.com/calebmorton/ci-runner-service/internal/coverage"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	CoverageToken string
	CoverageURL   string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if CODECOV_TOKEN is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	token := os.Getenv("CODECOV_TOKEN")
	if token == "" {
		t.Skip("CODECOV_TOKEN not set, skipping integration test")
	}

	coverageURL := os.Getenv("COVERAGE_API_URL")
	if coverageURL == "" {
		coverageURL = "https://codecov.io/upload/v2"
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		CoverageToken: token,
		CoverageURL:   coverageURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationUploader creates a coverage client against the real upstream.
func SetupIntegrationUploader(t *testing.T, cfg IntegrationTestConfig) *coverage.Client {
	client, err := coverage.NewClient(cfg.CoverageToken, cfg.CoverageURL, 30*time.Second)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

// SetupIntegrationCache creates the configured cache backend, falling back to
// in-memory when memcached is unreachable. Returns the cache and a cleanup function.
func SetupIntegrationCache(t *testing.T, cfg IntegrationTestConfig) (cache.Cache, func()) {
	if cfg.CacheBackend == "memcached" {
		memcachedCache, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil {
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
			return memcachedCache, func() { _ = memcachedCache.Close() }
		}
		t.Logf("Memcached not available (%v), using in-memory cache", err)
	}
	return cache.NewInMemoryCache(), func() {}
}

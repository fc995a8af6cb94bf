package cache

import (
	"context"
	"sync"
	"time"

	"github.com/calebmorton/ci-runner-service/internal/models"
)

// Cache defines the interface for job result caching implementations.
// Get returns a cached result if present and not expired, Set stores a
// result with TTL. Keys encode workflow, job, head SHA and job definition
// hash, so a cached result is only ever reused for an identical job.
type Cache interface {
	Get(ctx context.Context, key string) (models.JobRun, bool, error)
	Set(ctx context.Context, key string, value models.JobRun, ttl time.Duration) error
}

// InMemoryCache implements Cache using an in-memory map with TTL-based
// expiration. Expired entries are removed on access. Safe for concurrent
// use; jobs from parallel runs share it.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
}

// cacheEntry stores a cached job result with expiration timestamp.
type cacheEntry struct {
	value     models.JobRun
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get retrieves the cached job result for the key if present and not expired.
// Returns (result, true, nil) on cache hit, (zero, false, nil) on miss or
// expiration. Expired entries are removed on access.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.JobRun, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.JobRun{}, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.JobRun{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores a job result in cache with the specified TTL duration.
// The entry expires after TTL elapses and is removed on next Get access.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.JobRun, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

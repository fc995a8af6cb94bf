package store

import (
	"context"
	"sort"
	"sync"

	"github.com/calebmorton/ci-runner-service/internal/models"
)

// MemoryStore is an in-process Store, used by tests and by deployments that
// do not need runs to survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]models.Run
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]models.Run)}
}

// SaveRun implements Store. The run is copied, so later mutation by the
// caller does not leak into the store.
func (s *MemoryStore) SaveRun(ctx context.Context, run *models.Run) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	cp.Jobs = append([]models.JobRun(nil), run.Jobs...)
	s.runs[run.ID] = cp
	return nil
}

// GetRun implements Store.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

// ListRuns implements Store.
func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.RLock()
	out := make([]*models.Run, 0, len(s.runs))
	for id := range s.runs {
		run := s.runs[id]
		out = append(out, &run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

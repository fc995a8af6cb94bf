package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorton/ci-runner-service/internal/models"
)

func sampleRun(id string, createdAt time.Time) *models.Run {
	return &models.Run{
		ID:       id,
		Workflow: "ci",
		Status:   models.StatusQueued,
		Event: models.Event{
			Name:    models.EventPush,
			Repo:    "octocat/reat",
			Ref:     "refs/heads/main",
			Branch:  "main",
			HeadSHA: "abc1234",
		},
		Jobs:      []models.JobRun{{Name: "CI", Status: models.StatusQueued}},
		CreatedAt: createdAt,
	}
}

// storeUnderTest runs the same assertions against every Store implementation.
func storeUnderTest(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveRun(ctx, sampleRun("a", now.Add(-2*time.Minute))))
	require.NoError(t, s.SaveRun(ctx, sampleRun("b", now.Add(-time.Minute))))
	require.NoError(t, s.SaveRun(ctx, sampleRun("c", now)))

	got, err := s.GetRun(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, "ci", got.Workflow)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "CI", got.Jobs[0].Name)

	// Overwrite on state transition.
	upd := sampleRun("b", now.Add(-time.Minute))
	upd.Status = models.StatusSuccess
	require.NoError(t, s.SaveRun(ctx, upd))
	got, err = s.GetRun(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.Equal(t, "a", runs[2].ID)

	limited, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "c", limited[0].ID)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	storeUnderTest(t, s)
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer s.Close()
	storeUnderTest(t, s)
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveRun(ctx, sampleRun("persisted", time.Now())))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetRun(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.ID)
}

func TestMemoryStore_SaveCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := sampleRun("x", time.Now())
	require.NoError(t, s.SaveRun(ctx, run))
	run.Jobs[0].Status = models.StatusFailure

	got, err := s.GetRun(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Jobs[0].Status)
}

// Package store persists workflow runs so their status survives restarts
// and is queryable over the HTTP API.
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/calebmorton/ci-runner-service/internal/models"
)

// ErrNotFound is returned by GetRun for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Store persists runs. SaveRun overwrites any existing record with the same
// ID, so callers save on every state transition. ListRuns returns the most
// recent runs first.
type Store interface {
	SaveRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	Close() error
}

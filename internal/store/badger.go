package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/calebmorton/ci-runner-service/internal/models"
)

const runPrefix = "run:"

// BadgerStore keeps runs in an embedded badger database under the data
// directory. Values are JSON, keys are "run:<id>".
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the run database at path. An empty
// path opens an in-memory database, used by tests.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open run store")
	}
	return &BadgerStore{db: db}, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error { return s.db.Close() }

// SaveRun implements Store.
func (s *BadgerStore) SaveRun(ctx context.Context, run *models.Run) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	buf, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, "marshal run")
	}
	key := []byte(runPrefix + run.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// GetRun implements Store.
func (s *BadgerStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	key := []byte(runPrefix + id)
	var out models.Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get run")
	}
	return &out, nil
}

// ListRuns implements Store. Runs are scanned under the run prefix and
// sorted newest first; limit <= 0 returns everything.
func (s *BadgerStore) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	prefix := []byte(runPrefix)
	var runs []*models.Run
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var run models.Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				continue
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

var _ Store = (*BadgerStore)(nil)

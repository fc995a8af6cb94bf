package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/calebmorton/ci-runner-service/internal/observability"
)

// Set is an immutable snapshot of the loaded workflows.
type Set struct {
	byName map[string]*Workflow
	names  []string
}

// Get returns the named workflow, or nil if absent.
func (s *Set) Get(name string) *Workflow {
	if s == nil {
		return nil
	}
	return s.byName[name]
}

// Names returns the workflow names in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return s.names
}

// All returns the workflows in name order.
func (s *Set) All() []*Workflow {
	if s == nil {
		return nil
	}
	out := make([]*Workflow, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.byName[n])
	}
	return out
}

// LoadDir parses every *.yml / *.yaml file in dir into a Set.
// A file that fails to parse or validate fails the whole load; partial sets
// are never returned.
func LoadDir(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read workflows dir %s", dir)
	}

	set := &Set{byName: make(map[string]*Workflow)}
	for _, e := range entries {
		if e.IsDir() || !isWorkflowFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		wf, err := ParseFile(path, data)
		if err != nil {
			return nil, err
		}
		if _, dup := set.byName[wf.Name]; dup {
			return nil, errors.Errorf("duplicate workflow name %q (%s)", wf.Name, path)
		}
		set.byName[wf.Name] = wf
		set.names = append(set.names, wf.Name)
	}
	sort.Strings(set.names)
	return set, nil
}

func isWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

// Holder holds the current workflow Set with atomic reloading. A reload that
// fails to parse or validate keeps the previous set, so a bad edit never
// takes the service's workflows away.
type Holder struct {
	mu      sync.RWMutex
	current *Set
	dir     string
	logger  *zap.Logger
}

// NewHolder creates a Holder around an initial set loaded from dir.
func NewHolder(dir string, logger *zap.Logger) (*Holder, error) {
	set, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return &Holder{current: set, dir: dir, logger: logger}, nil
}

// Get returns the current workflow set (thread-safe read).
func (h *Holder) Get() *Set {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the workflows directory and atomically swaps the set.
// On error the old set is kept and the error returned.
func (h *Holder) Reload() error {
	set, err := LoadDir(h.dir)
	if err != nil {
		observability.WorkflowReloadsTotal.WithLabelValues("rejected").Inc()
		if h.logger != nil {
			h.logger.Error("workflow reload rejected, keeping previous set", zap.Error(err))
		}
		return err
	}
	h.mu.Lock()
	h.current = set
	h.mu.Unlock()
	observability.WorkflowReloadsTotal.WithLabelValues("applied").Inc()
	if h.logger != nil {
		h.logger.Info("workflows reloaded", zap.Strings("workflows", set.Names()))
	}
	return nil
}

// StartWatcher watches the workflows directory and reloads on changes.
// Events are debounced so editors that write multiple times per save trigger
// one reload. Returns after starting the watch goroutine; the watcher closes
// when ctx is done.
func (h *Holder) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	if err := watcher.Add(h.dir); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "watch %s", h.dir)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var pending *time.Timer
		const debounce = 250 * time.Millisecond
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isWorkflowFile(filepath.Base(ev.Name)) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(debounce, func() {
					_ = h.Reload()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if h.logger != nil {
					h.logger.Warn("workflow watcher error", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

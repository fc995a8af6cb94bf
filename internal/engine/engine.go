// Package engine turns accepted events into runs: it selects the matching
// workflows, schedules their job DAGs layer by layer, and persists every
// state transition.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calebmorton/ci-runner-service/internal/cache"
	"github.com/calebmorton/ci-runner-service/internal/config"
	"github.com/calebmorton/ci-runner-service/internal/degraded"
	"github.com/calebmorton/ci-runner-service/internal/expr"
	"github.com/calebmorton/ci-runner-service/internal/models"
	"github.com/calebmorton/ci-runner-service/internal/observability"
	"github.com/calebmorton/ci-runner-service/internal/plan"
	"github.com/calebmorton/ci-runner-service/internal/runner"
	"github.com/calebmorton/ci-runner-service/internal/store"
	"github.com/calebmorton/ci-runner-service/internal/trigger"
	"github.com/calebmorton/ci-runner-service/internal/workflow"
)

// Engine owns run execution. Submit is the only entry point; everything
// after it happens on background goroutines bounded by the run semaphore.
type Engine struct {
	cfg       *config.Config
	holder    *workflow.Holder
	store     store.Store
	cache     cache.Cache
	cacheType string
	runner    *runner.Runner
	logger    *zap.Logger

	runSem chan struct{}

	mu       sync.Mutex
	inFlight map[string]string // workflow + sha -> run ID

	wg sync.WaitGroup
}

// New builds an Engine. cacheType labels cache metrics ("in_memory" or
// "memcached").
func New(cfg *config.Config, holder *workflow.Holder, st store.Store, c cache.Cache, cacheType string, r *runner.Runner, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		holder:    holder,
		store:     st,
		cache:     c,
		cacheType: cacheType,
		runner:    r,
		logger:    logger,
		runSem:    make(chan struct{}, cfg.MaxConcurrentRuns),
		inFlight:  make(map[string]string),
	}
}

// Submit starts a run for every workflow the event triggers and returns
// their IDs. A workflow already running for the same head SHA is not
// started again; the existing run's ID is returned instead.
func (e *Engine) Submit(ctx context.Context, ev models.Event) ([]string, error) {
	matched := trigger.Select(e.holder.Get(), ev)
	if len(matched) == 0 {
		return nil, nil
	}

	var ids []string
	for _, wf := range matched {
		id, err := e.startRun(ctx, wf, ev)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) startRun(ctx context.Context, wf *workflow.Workflow, ev models.Event) (string, error) {
	p, err := plan.Build(wf)
	if err != nil {
		return "", errors.Wrapf(err, "plan workflow %q", wf.Name)
	}

	key := wf.Name + "\x00" + ev.HeadSHA
	e.mu.Lock()
	if existing, ok := e.inFlight[key]; ok {
		e.mu.Unlock()
		e.logger.Info("coalesced duplicate event onto running run",
			zap.String("workflow", wf.Name),
			zap.String("sha", ev.HeadSHA),
			zap.String("runId", existing))
		return existing, nil
	}

	run := &models.Run{
		ID:        uuid.NewString(),
		Workflow:  wf.Name,
		Event:     ev,
		Status:    models.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	for _, name := range p.Order() {
		run.Jobs = append(run.Jobs, models.JobRun{Name: name, Status: models.StatusQueued})
	}
	e.inFlight[key] = run.ID
	e.mu.Unlock()

	if err := e.store.SaveRun(ctx, run); err != nil {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
		return "", errors.Wrap(err, "save run")
	}

	e.logger.Info("run queued",
		zap.String("runId", run.ID),
		zap.String("workflow", wf.Name),
		zap.String("event", ev.Name),
		zap.String("ref", ev.Ref),
		zap.String("sha", ev.HeadSHA))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, key)
			e.mu.Unlock()
		}()
		e.execute(run, wf, p)
	}()

	return run.ID, nil
}

// execute drives one run to completion. It owns the run struct; all job
// goroutines mutate it through the state guard only.
func (e *Engine) execute(run *models.Run, wf *workflow.Workflow, p *plan.Plan) {
	e.runSem <- struct{}{}
	defer func() { <-e.runSem }()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RunTimeout)
	defer cancel()

	observability.RunsActive.Inc()
	defer observability.RunsActive.Dec()

	st := &runState{run: run}
	st.setRunStatus(models.StatusRunning)
	e.save(ctx, st)

	for _, layer := range p.Layers() {
		if ctx.Err() != nil {
			break
		}
		g, layerCtx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxConcurrentJobs)
		for _, name := range layer {
			job := wf.Jobs[name]
			g.Go(func() error {
				e.executeJob(layerCtx, st, wf, p, job)
				// Job failures gate later layers through `if:` conditions,
				// they never cancel siblings.
				return nil
			})
		}
		_ = g.Wait()
		e.save(ctx, st)
	}

	if ctx.Err() != nil {
		st.cancelPending()
	}
	final := st.finish()
	e.save(context.Background(), st)

	observability.RunsTotal.WithLabelValues(wf.Name, string(final)).Inc()
	observability.RunDuration.WithLabelValues(wf.Name).
		Observe(run.FinishedAt.Sub(run.CreatedAt).Seconds())
	if final == models.StatusSuccess {
		degraded.RecordSuccess()
	} else {
		degraded.RecordError()
	}

	e.cleanupWorkspace(run.ID)

	e.logger.Info("run finished",
		zap.String("runId", run.ID),
		zap.String("workflow", wf.Name),
		zap.String("status", string(final)),
		zap.Duration("duration", run.FinishedAt.Sub(run.CreatedAt)))
}

func (e *Engine) executeJob(ctx context.Context, st *runState, wf *workflow.Workflow, p *plan.Plan, job *workflow.Job) {
	failed, failedDep := st.needsFailed(p.Needs(job.Name))

	// A condition without success()/failure()/always() keeps the implicit
	// requirement that every dependency succeeded.
	if failed && !expr.ContainsStatusCheck(job.If) {
		st.setJob(job.Name, func(j *models.JobRun) {
			j.Status = models.StatusSkipped
			j.Reason = "dependency " + failedDep + " failed"
		})
		observability.JobsTotal.WithLabelValues(wf.Name, job.Name, string(models.StatusSkipped)).Inc()
		return
	}

	ok, err := expr.Eval(job.If, expr.Context{
		Vars:   trigger.ExprContext(st.run.Event),
		Failed: failed,
	})
	if err != nil {
		st.setJob(job.Name, func(j *models.JobRun) {
			j.Status = models.StatusFailure
			j.Reason = "condition error: " + err.Error()
		})
		observability.JobsTotal.WithLabelValues(wf.Name, job.Name, string(models.StatusFailure)).Inc()
		return
	}
	if !ok {
		st.setJob(job.Name, func(j *models.JobRun) {
			j.Status = models.StatusSkipped
			j.Reason = "condition false"
		})
		observability.JobsTotal.WithLabelValues(wf.Name, job.Name, string(models.StatusSkipped)).Inc()
		return
	}

	key := cache.Key(wf.Name, job.Name, st.run.Event.HeadSHA, job.Hash())
	getStart := time.Now()
	cached, hit, cerr := e.cache.Get(ctx, key)
	observability.CacheOperationDurationSeconds.WithLabelValues("get", cacheResult(cerr)).
		Observe(time.Since(getStart).Seconds())
	if cerr == nil && hit {
		observability.CacheHitsTotal.WithLabelValues(e.cacheType).Inc()
		st.setJob(job.Name, func(j *models.JobRun) {
			*j = cached
			j.Name = job.Name
			j.Cached = true
		})
		observability.JobsTotal.WithLabelValues(wf.Name, job.Name, string(cached.Status)).Inc()
		e.logger.Info("job served from cache",
			zap.String("runId", st.run.ID),
			zap.String("job", job.Name))
		return
	}
	if cerr != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", "backend").Inc()
	}

	started := time.Now().UTC()
	st.setJob(job.Name, func(j *models.JobRun) {
		j.Status = models.StatusRunning
		j.StartedAt = started
	})

	workspace := filepath.Join(e.cfg.WorkspaceDir, st.run.ID, job.Name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		st.setJob(job.Name, func(j *models.JobRun) {
			j.Status = models.StatusFailure
			j.Reason = "workspace: " + err.Error()
			j.FinishedAt = time.Now().UTC()
		})
		observability.JobsTotal.WithLabelValues(wf.Name, job.Name, string(models.StatusFailure)).Inc()
		return
	}

	steps, status := e.runner.RunJob(ctx, wf, job, st.run.Event, workspace)
	finished := time.Now().UTC()
	st.setJob(job.Name, func(j *models.JobRun) {
		j.Status = status
		j.Steps = steps
		j.FinishedAt = finished
	})
	observability.JobsTotal.WithLabelValues(wf.Name, job.Name, string(status)).Inc()

	if status == models.StatusSuccess {
		result := models.JobRun{
			Name:       job.Name,
			Status:     status,
			Steps:      steps,
			StartedAt:  started,
			FinishedAt: finished,
		}
		setStart := time.Now()
		serr := e.cache.Set(ctx, key, result, e.cfg.CacheTTL)
		observability.CacheOperationDurationSeconds.WithLabelValues("set", cacheResult(serr)).
			Observe(time.Since(setStart).Seconds())
		if serr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", "backend").Inc()
		}
	}
}

func cacheResult(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (e *Engine) save(ctx context.Context, st *runState) {
	snapshot := st.snapshot()
	if err := e.store.SaveRun(ctx, &snapshot); err != nil {
		e.logger.Error("persist run failed",
			zap.String("runId", snapshot.ID),
			zap.Error(err))
	}
}

func (e *Engine) cleanupWorkspace(runID string) {
	if e.cfg.WorkspaceDir == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(e.cfg.WorkspaceDir, runID)); err != nil {
		e.logger.Warn("workspace cleanup failed",
			zap.String("runId", runID),
			zap.Error(err))
	}
}

// Wait blocks until every in-flight run has finished. Used by shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ActiveRuns returns the number of runs currently in flight.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

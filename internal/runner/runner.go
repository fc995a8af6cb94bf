// Package runner executes a job's steps inside a run workspace. `run:`
// steps go through the shell; `uses:` steps dispatch to a registered
// builtin action.
package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/calebmorton/ci-runner-service/internal/models"
	"github.com/calebmorton/ci-runner-service/internal/observability"
	"github.com/calebmorton/ci-runner-service/internal/workflow"
)

const defaultMaxLogBytes = 256 * 1024

// Action is a builtin step implementation reachable through `uses:`.
// It returns the log output to attach to the step record.
type Action interface {
	Run(ctx context.Context, inv Invocation) (string, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, inv Invocation) (string, error)

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context, inv Invocation) (string, error) {
	return f(ctx, inv)
}

// Invocation carries everything a builtin action needs about the step
// invoking it.
type Invocation struct {
	With      map[string]string
	Env       map[string]string
	Workspace string
	Event     models.Event
	Version   string // the @version suffix of the uses reference, if any
}

// Config holds runner tunables.
type Config struct {
	Shell          string        // shell binary for run: steps, defaults to sh
	DefaultTimeout time.Duration // per-step timeout when the step sets none
	MaxLogBytes    int           // captured output cap per step
}

// Runner executes job steps sequentially within a workspace.
type Runner struct {
	cfg     Config
	actions map[string]Action
	secrets []string
	logger  *zap.Logger
}

// New builds a Runner. Register builtin actions and secret values before
// the first RunJob call; the runner is read-only afterwards.
func New(cfg Config, logger *zap.Logger) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = defaultMaxLogBytes
	}
	return &Runner{
		cfg:     cfg,
		actions: make(map[string]Action),
		logger:  logger,
	}
}

// RegisterAction wires a builtin action under its uses: name.
func (r *Runner) RegisterAction(name string, a Action) {
	r.actions[name] = a
}

// RegisterSecret adds a value to redact from captured step output.
func (r *Runner) RegisterSecret(value string) {
	if value != "" {
		r.secrets = append(r.secrets, value)
	}
}

// RunJob executes the job's steps in order inside workspace and returns the
// step records plus the job's final status. A failed step stops the job and
// marks the remaining steps skipped, unless the step sets continue-on-error.
func (r *Runner) RunJob(ctx context.Context, wf *workflow.Workflow, job *workflow.Job, ev models.Event, workspace string) ([]models.StepRun, models.Status) {
	steps := make([]models.StepRun, 0, len(job.Steps))
	status := models.StatusSuccess

	for i, step := range job.Steps {
		if status == models.StatusFailure {
			steps = append(steps, models.StepRun{Name: step.Label(), Status: models.StatusSkipped})
			continue
		}

		rec := r.runStep(ctx, wf, job, step, ev, workspace)
		observability.StepDuration.WithLabelValues(job.Name).
			Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
		steps = append(steps, rec)

		if rec.Status == models.StatusFailure && !step.ContinueOnError {
			r.logger.Warn("step failed",
				zap.String("workflow", wf.Name),
				zap.String("job", job.Name),
				zap.String("step", step.Label()),
				zap.Int("stepIndex", i),
				zap.Int("exitCode", rec.ExitCode))
			status = models.StatusFailure
		}
	}
	return steps, status
}

func (r *Runner) runStep(ctx context.Context, wf *workflow.Workflow, job *workflow.Job, step workflow.Step, ev models.Event, workspace string) models.StepRun {
	rec := models.StepRun{Name: step.Label(), StartedAt: time.Now()}

	timeout, err := r.stepTimeout(step)
	if err != nil {
		rec.Status = models.StatusFailure
		rec.ExitCode = -1
		rec.Log = err.Error()
		rec.FinishedAt = time.Now()
		return rec
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env := mergedEnv(wf, job, step, ev, workspace)

	var out string
	var exitCode int
	if step.Uses != "" {
		out, exitCode, err = r.runAction(ctx, step, env, ev, workspace)
	} else {
		out, exitCode, err = r.runShell(ctx, step, env, workspace)
	}

	rec.Log = r.redact(out)
	rec.ExitCode = exitCode
	rec.FinishedAt = time.Now()
	if err != nil {
		rec.Status = models.StatusFailure
		if msg := r.redact(err.Error()); msg != "" {
			if rec.Log != "" {
				rec.Log += "\n"
			}
			rec.Log += msg
		}
		return rec
	}
	rec.Status = models.StatusSuccess
	return rec
}

func (r *Runner) runShell(ctx context.Context, step workflow.Step, env []string, workspace string) (string, int, error) {
	dir, err := stepDir(workspace, step.WorkingDirectory)
	if err != nil {
		return "", -1, err
	}

	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", step.Run)
	cmd.Dir = dir
	cmd.Env = env
	// A child spawned by the step can outlive the shell while holding the
	// output pipe; WaitDelay bounds Wait so the deadline still ends the step.
	cmd.WaitDelay = time.Second

	buf := &cappedBuffer{max: r.cfg.MaxLogBytes}
	cmd.Stdout = buf
	cmd.Stderr = buf

	err = cmd.Run()
	out := buf.String()
	if err == nil {
		return out, 0, nil
	}
	if ctx.Err() != nil {
		return out, -1, errors.Wrap(ctx.Err(), "step timed out")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, exitErr.ExitCode(), errors.Errorf("exit status %d", exitErr.ExitCode())
	}
	return out, -1, errors.Wrap(err, "start step")
}

func (r *Runner) runAction(ctx context.Context, step workflow.Step, env []string, ev models.Event, workspace string) (string, int, error) {
	name, version := workflow.SplitUses(step.Uses)
	action, ok := r.actions[name]
	if !ok {
		return "", -1, errors.Errorf("unknown action %q", name)
	}
	inv := Invocation{
		With:      step.With,
		Env:       envMap(env),
		Workspace: workspace,
		Event:     ev,
		Version:   version,
	}
	out, err := action.Run(ctx, inv)
	if err != nil {
		return out, 1, errors.Wrapf(err, "action %q", name)
	}
	return out, 0, nil
}

func (r *Runner) stepTimeout(step workflow.Step) (time.Duration, error) {
	if step.Timeout == "" {
		return r.cfg.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(step.Timeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid step timeout %q", step.Timeout)
	}
	return d, nil
}

// redact replaces every registered secret value in s with asterisks.
func (r *Runner) redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, "***")
	}
	return s
}

// stepDir resolves the step working directory under the workspace,
// rejecting paths that escape it.
func stepDir(workspace, workingDirectory string) (string, error) {
	if workingDirectory == "" {
		return workspace, nil
	}
	dir := filepath.Join(workspace, workingDirectory)
	rel, err := filepath.Rel(workspace, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("working-directory %q escapes the workspace", workingDirectory)
	}
	return dir, nil
}

// mergedEnv layers process env, workflow env, job env, step env and the
// CI_* context variables, later layers winning.
func mergedEnv(wf *workflow.Workflow, job *workflow.Job, step workflow.Step, ev models.Event, workspace string) []string {
	merged := envMap(os.Environ())
	for _, layer := range []map[string]string{wf.Env, job.Env, step.Env} {
		for k, v := range layer {
			merged[k] = v
		}
	}
	merged["CI"] = "true"
	merged["CI_EVENT_NAME"] = ev.Name
	merged["CI_REF"] = ev.Ref
	merged["CI_BRANCH"] = ev.Branch
	merged["CI_SHA"] = ev.HeadSHA
	merged["CI_REPO"] = ev.Repo
	merged["CI_WORKSPACE"] = workspace

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}

// cappedBuffer keeps at most max bytes of output and notes the truncation.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.buf.Write(p[:room])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	s := strings.TrimRight(b.buf.String(), "\n")
	if b.truncated {
		s += "\n[output truncated]"
	}
	return s
}

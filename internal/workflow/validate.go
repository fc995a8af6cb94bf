package workflow

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNoTriggers   = errors.New("workflow declares no triggers")
	ErrNoJobs       = errors.New("workflow declares no jobs")
	ErrNoSteps      = errors.New("job declares no steps")
	ErrStepShape    = errors.New("step must set exactly one of run or uses")
	ErrUnknownNeeds = errors.New("needs references an unknown job")
	ErrSelfNeeds    = errors.New("job cannot need itself")
	ErrUnknownUses  = errors.New("uses references an unknown builtin action")
)

// Builtin action names accepted in `uses:` (an optional @version suffix is
// ignored when resolving).
const (
	ActionCheckout       = "checkout"
	ActionCoverageUpload = "coverage/upload"
	ActionReleasePublish = "release/publish"
)

var builtinActions = map[string]struct{}{
	ActionCheckout:       {},
	ActionCoverageUpload: {},
	ActionReleasePublish: {},
}

// Validate checks a parsed workflow for structural errors: a trigger must be
// present, every job needs at least one step, each step is either a command
// or a known builtin action, and `needs` must reference declared jobs.
// Dependency cycles are rejected later when the job graph is built.
func Validate(wf *Workflow) error {
	if wf.On.Push == nil && wf.On.PullRequest == nil {
		return errors.Wrap(ErrNoTriggers, wf.Name)
	}
	if len(wf.Jobs) == 0 {
		return errors.Wrap(ErrNoJobs, wf.Name)
	}

	for name, job := range wf.Jobs {
		if !legalName(name) {
			return errors.Errorf("job name %q: only letters, digits, hyphen, underscore allowed", name)
		}
		if len(job.Steps) == 0 {
			return errors.Wrapf(ErrNoSteps, "job %q", name)
		}
		for _, dep := range job.Needs {
			if dep == name {
				return errors.Wrapf(ErrSelfNeeds, "job %q", name)
			}
			if _, ok := wf.Jobs[dep]; !ok {
				return errors.Wrapf(ErrUnknownNeeds, "job %q needs %q", name, dep)
			}
		}
		for i, step := range job.Steps {
			if err := validateStep(step); err != nil {
				return errors.Wrapf(err, "job %q step %d", name, i+1)
			}
		}
	}
	return nil
}

func validateStep(s Step) error {
	hasRun := s.Run != ""
	hasUses := s.Uses != ""
	if hasRun == hasUses {
		return ErrStepShape
	}
	if hasUses {
		action, _ := SplitUses(s.Uses)
		if _, ok := builtinActions[action]; !ok {
			return errors.Wrap(ErrUnknownUses, s.Uses)
		}
	}
	if s.Timeout != "" {
		if _, err := time.ParseDuration(s.Timeout); err != nil {
			return errors.Wrapf(err, "timeout %q", s.Timeout)
		}
	}
	return nil
}

func legalName(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

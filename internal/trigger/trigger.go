// Package trigger decides which workflows an incoming event starts.
package trigger

import (
	"path"

	"github.com/calebmorton/ci-runner-service/internal/models"
	"github.com/calebmorton/ci-runner-service/internal/workflow"
)

// Matches reports whether the event starts the workflow: the workflow must
// declare a trigger for the event's name, and the event's branch (push) or
// target branch (pull_request) must pass the trigger's branch filter.
func Matches(wf *workflow.Workflow, ev models.Event) bool {
	switch ev.Name {
	case models.EventPush:
		return wf.On.Push != nil && branchMatches(wf.On.Push, ev.Branch)
	case models.EventPullRequest:
		return wf.On.PullRequest != nil && branchMatches(wf.On.PullRequest, ev.BaseBranch)
	}
	return false
}

// Select returns the workflows in the set the event starts, in name order.
func Select(set *workflow.Set, ev models.Event) []*workflow.Workflow {
	var out []*workflow.Workflow
	for _, wf := range set.All() {
		if Matches(wf, ev) {
			out = append(out, wf)
		}
	}
	return out
}

// branchMatches checks a branch against the filter. An empty filter matches
// every branch; entries may use path.Match globs ("release/*").
func branchMatches(f *workflow.BranchFilter, branch string) bool {
	if branch == "" {
		return false
	}
	if len(f.Branches) == 0 {
		return true
	}
	for _, pattern := range f.Branches {
		if pattern == branch {
			return true
		}
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// ExprContext builds the condition-evaluation variables for an event.
// Keys follow the `event.` namespace used in `if:` expressions.
func ExprContext(ev models.Event) map[string]string {
	return map[string]string{
		"event.name":        ev.Name,
		"event.ref":         ev.Ref,
		"event.branch":      ev.Branch,
		"event.base_branch": ev.BaseBranch,
		"event.repo":        ev.Repo,
		"event.sha":         ev.HeadSHA,
	}
}

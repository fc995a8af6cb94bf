package models

import "time"

// Status is the lifecycle state of a run, job, or step.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final (no further transitions).
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// Event names accepted on the webhook surface.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

// Event is a repository event delivered to POST /events.
type Event struct {
	Name       string    `json:"name"`
	DeliveryID string    `json:"deliveryId,omitempty"`
	Repo       string    `json:"repo"`
	Ref        string    `json:"ref"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"baseBranch,omitempty"` // pull_request target branch
	HeadSHA    string    `json:"headSha"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// StepRun records the execution of a single step within a job.
type StepRun struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	ExitCode   int       `json:"exitCode"`
	Log        string    `json:"log,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// JobRun records the execution of a job within a run.
type JobRun struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"` // set when skipped (condition false, dependency failed)
	Cached     bool      `json:"cached,omitempty"` // result served from the job result cache
	Steps      []StepRun `json:"steps,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Run is one execution of a workflow for an event.
type Run struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Event      Event     `json:"event"`
	Status     Status    `json:"status"`
	Jobs       []JobRun  `json:"jobs"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Job returns a pointer to the named job run, or nil if absent.
func (r *Run) Job(name string) *JobRun {
	for i := range r.Jobs {
		if r.Jobs[i].Name == name {
			return &r.Jobs[i]
		}
	}
	return nil
}

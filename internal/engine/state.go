package engine

import (
	"sync"
	"time"

	"github.com/calebmorton/ci-runner-service/internal/models"
)

// runState guards concurrent mutation of a run while its layer jobs execute
// in parallel.
type runState struct {
	mu  sync.Mutex
	run *models.Run
}

func (s *runState) setRunStatus(st models.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Status = st
}

func (s *runState) setJob(name string, mutate func(*models.JobRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.run.Job(name); j != nil {
		mutate(j)
	}
}

// needsFailed reports whether any direct dependency ended in a non-success
// terminal state, and names the first one that did.
func (s *runState) needsFailed(needs []string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range needs {
		j := s.run.Job(dep)
		if j == nil {
			continue
		}
		if j.Status.Terminal() && j.Status != models.StatusSuccess {
			return true, dep
		}
	}
	return false, ""
}

// cancelPending marks every non-terminal job cancelled. Called when the run
// deadline expires.
func (s *runState) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.run.Jobs {
		if !s.run.Jobs[i].Status.Terminal() {
			s.run.Jobs[i].Status = models.StatusCancelled
			s.run.Jobs[i].Reason = "run timed out"
		}
	}
}

// finish derives and sets the run's final status: success when every job
// succeeded or was skipped, cancelled when any job was cancelled, failure
// otherwise.
func (s *runState) finish() models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	final := models.StatusSuccess
	for i := range s.run.Jobs {
		switch s.run.Jobs[i].Status {
		case models.StatusCancelled:
			final = models.StatusCancelled
		case models.StatusFailure:
			if final != models.StatusCancelled {
				final = models.StatusFailure
			}
		}
	}
	s.run.Status = final
	s.run.FinishedAt = time.Now().UTC()
	return final
}

// snapshot returns a copy safe to hand to the store while jobs keep running.
func (s *runState) snapshot() models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.run
	cp.Jobs = make([]models.JobRun, len(s.run.Jobs))
	copy(cp.Jobs, s.run.Jobs)
	return cp
}

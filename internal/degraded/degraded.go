package degraded

import (
	"time"

	"github.com/calebmorton/ci-runner-service/internal/traffic"
)

// RecordSuccess records a run that finished successfully.
func RecordSuccess() {
	traffic.RecordSuccess()
}

// RecordError records a run that finished in failure (step failure, coverage
// upload error with fail_ci_if_error, publish error).
func RecordError() {
	traffic.RecordError()
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// Degraded reports whether the run error share within the window exceeds thresholdPct.
// Returns false when no runs finished in the window.
func Degraded(window time.Duration, thresholdPct int) bool {
	errs, total := traffic.ErrorRate(window)
	if total == 0 {
		return false
	}
	return errs*100 >= total*thresholdPct
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}

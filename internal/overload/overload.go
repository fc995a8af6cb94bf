package overload

import (
	"time"

	"github.com/calebmorton/ci-runner-service/internal/traffic"
)

// RecordDenial records a webhook denial (429). Call from middleware or the
// events handler when rejecting an event.
func RecordDenial() {
	traffic.RecordDenied()
}

// RecordAccepted records an accepted webhook event. Call when a run is queued.
func RecordAccepted() {
	traffic.RecordAccepted()
}

// RequestCount returns the number of webhook events (accepted + denied) within the window.
func RequestCount(window time.Duration) int {
	return traffic.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return traffic.DenialCount(window)
}

// Overloaded reports whether the denial share within the window exceeds thresholdPct.
// Returns false when there is no traffic in the window.
func Overloaded(window time.Duration, thresholdPct int) bool {
	total := traffic.RequestCount(window)
	if total == 0 {
		return false
	}
	denied := traffic.DenialCount(window)
	return denied*100 >= total*thresholdPct
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}

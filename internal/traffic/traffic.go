package traffic

import (
	"sync"
	"time"
)

var defaultTracker Tracker

// RecordSuccess records a run that finished successfully.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a run that finished in failure (step exit, upload error, timeout).
func RecordError() {
	defaultTracker.RecordError()
}

// RecordSuccessN records n successful run outcomes at once. Test harness only.
func RecordSuccessN(n int) {
	for i := 0; i < n; i++ {
		defaultTracker.RecordSuccess()
	}
}

// RecordErrorN records n failed run outcomes at once. Test harness only.
func RecordErrorN(n int) {
	for i := 0; i < n; i++ {
		defaultTracker.RecordError()
	}
}

// RecordDenied records a webhook denial (429: rate limit or overload admission).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// RecordAccepted records an accepted webhook event (a run was queued).
func RecordAccepted() {
	defaultTracker.RecordAccepted()
}

// RequestCount returns the number of outcomes (accepted + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount = successful runs + failed runs (denied events excluded).
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of event and run-outcome timestamps.
// Single source of truth for overload (RequestCount, DenialCount), degraded
// (ErrorRate) and idle (RequestCount) health signals.
type Tracker struct {
	mu            sync.Mutex
	acceptedTimes []time.Time
	successTimes  []time.Time
	errorTimes    []time.Time
	deniedTimes   []time.Time
}

// RecordAccepted records an accepted webhook event in the tracker.
func (t *Tracker) RecordAccepted() {
	t.recordOutcome(&t.acceptedTimes)
}

// RecordSuccess records a successful run outcome in the tracker.
func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

// RecordError records a failed run outcome in the tracker.
func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

// RecordDenied records a webhook denial (429) in the tracker.
func (t *Tracker) RecordDenied() {
	t.recordOutcome(&t.deniedTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns the number of webhook outcomes (accepted + denied) within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	t.pruneLocked(now)
	return countInWindow(t.acceptedTimes, cutoff) + countInWindow(t.deniedTimes, cutoff)
}

// DenialCount returns the number of denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	t.pruneLocked(now)
	return countInWindow(t.deniedTimes, cutoff)
}

// ErrorRate returns (errorCount, totalCount) of run outcomes within the window.
func (t *Tracker) ErrorRate(window time.Duration) (errs, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	t.pruneLocked(now)
	errs = countInWindow(t.errorTimes, cutoff)
	total = errs + countInWindow(t.successTimes, cutoff)
	return errs, total
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acceptedTimes = nil
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops entries older than the longest window any caller uses.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-30 * time.Minute)
	for _, slice := range []*[]time.Time{&t.acceptedTimes, &t.successTimes, &t.errorTimes, &t.deniedTimes} {
		s := *slice
		i := 0
		for ; i < len(s) && s[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(s[:0], s[i:]...)
		}
	}
}

package idle

import (
	"sync"
	"time"
)

var defaultTracker Tracker

// RecordEvent records a webhook event. Call from the events handler for
// traffic that counts toward idle detection.
func RecordEvent() {
	defaultTracker.RecordEvent()
}

// EventCount returns the number of events within the given window ending at now.
func EventCount(window time.Duration) int {
	return defaultTracker.EventCount(window)
}

// Reset clears all recorded events. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains a sliding window of event timestamps.
type Tracker struct {
	mu    sync.Mutex
	times []time.Time
}

// RecordEvent records an event at the current time.
func (t *Tracker) RecordEvent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.times = append(t.times, now)
	t.pruneLocked(now)
}

// EventCount returns the number of events within the given window ending at now.
func (t *Tracker) EventCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	t.pruneLocked(now)
	n := 0
	for _, ts := range t.times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// Reset clears all recorded events.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = nil
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-30 * time.Minute)
	i := 0
	for ; i < len(t.times) && t.times[i].Before(cutoff); i++ {
	}
	if i > 0 {
		t.times = append(t.times[:0], t.times[i:]...)
	}
}

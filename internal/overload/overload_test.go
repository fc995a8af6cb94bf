package overload

import (
	"testing"
	"time"
)

func TestOverloaded_NoTraffic(t *testing.T) {
	Reset()
	if Overloaded(1*time.Minute, 50) {
		t.Error("Overloaded() = true with no traffic, want false")
	}
}

func TestOverloaded_BelowThreshold(t *testing.T) {
	Reset()
	for i := 0; i < 9; i++ {
		RecordAccepted()
	}
	RecordDenial()
	if Overloaded(1*time.Minute, 50) {
		t.Error("Overloaded() = true at 10% denials with 50% threshold, want false")
	}
}

func TestOverloaded_AtThreshold(t *testing.T) {
	Reset()
	RecordAccepted()
	RecordDenial()
	if !Overloaded(1*time.Minute, 50) {
		t.Error("Overloaded() = false at exactly 50% denials, want true")
	}
}

func TestCounts(t *testing.T) {
	Reset()
	RecordAccepted()
	RecordDenial()
	RecordDenial()
	if n := RequestCount(1 * time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
	if n := DenialCount(1 * time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
}

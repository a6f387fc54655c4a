package sessionadapter

import (
	"testing"
	"time"
)

func TestHardBreachTripsOnlyAfterThreshold(t *testing.T) {
	start := time.Now()
	w := newWatchdogState(WatchdogThresholds{HardMS: 100}, StallThresholds{}, LoopDetectionConfig{}, start)
	w.observe(Event{Type: EventToolStart, ToolName: "Bash"}, start)

	if w.hardBreach(start.Add(50 * time.Millisecond)) {
		t.Fatalf("should not breach before hard threshold")
	}
	if !w.hardBreach(start.Add(150 * time.Millisecond)) {
		t.Fatalf("should breach after hard threshold")
	}
}

func TestHardBreachClearsOnToolEnd(t *testing.T) {
	start := time.Now()
	w := newWatchdogState(WatchdogThresholds{HardMS: 100}, StallThresholds{}, LoopDetectionConfig{}, start)
	w.observe(Event{Type: EventToolStart, ToolName: "Bash"}, start)
	w.observe(Event{Type: EventToolEnd, ToolName: "Bash"}, start.Add(10*time.Millisecond))

	if w.hardBreach(start.Add(200 * time.Millisecond)) {
		t.Fatalf("should not breach once the tool call has ended")
	}
}

func TestStalledTripsAfterInactivity(t *testing.T) {
	start := time.Now()
	w := newWatchdogState(WatchdogThresholds{}, StallThresholds{InactivityMS: 50}, LoopDetectionConfig{}, start)

	if w.stalled(start.Add(10 * time.Millisecond)) {
		t.Fatalf("should not be stalled yet")
	}
	if !w.stalled(start.Add(60 * time.Millisecond)) {
		t.Fatalf("should be stalled past the inactivity threshold")
	}
}

func TestRepeatsLastWindowDetectsExactCycle(t *testing.T) {
	window := []uint64{1, 2, 1, 2}
	if !repeatsLastWindow(window, 2) {
		t.Fatalf("expected repeated cycle of size 2 to be detected")
	}
}

func TestRepeatsLastWindowRejectsDifferentCycle(t *testing.T) {
	window := []uint64{1, 2, 3, 4}
	if repeatsLastWindow(window, 2) {
		t.Fatalf("did not expect a repeat for distinct windows")
	}
}

func TestRepeatsLastWindowNeedsFullWindow(t *testing.T) {
	window := []uint64{1, 2, 1}
	if repeatsLastWindow(window, 2) {
		t.Fatalf("should not trip before two full windows are available")
	}
}

func TestObserveReportsLoopTripAcrossCalls(t *testing.T) {
	start := time.Now()
	w := newWatchdogState(WatchdogThresholds{}, StallThresholds{}, LoopDetectionConfig{WindowSize: 2}, start)

	events := []Event{
		{Type: EventToolStart, ToolName: "Bash"},
		{Type: EventToolEnd, ToolName: "Bash"},
		{Type: EventToolStart, ToolName: "Bash"},
	}
	for _, ev := range events {
		if w.observe(ev, start) {
			t.Fatalf("should not trip before the cycle repeats")
		}
	}
	if !w.observe(Event{Type: EventToolEnd, ToolName: "Bash"}, start) {
		t.Fatalf("expected the repeated cycle to trip loop detection")
	}
}

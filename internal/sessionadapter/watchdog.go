package sessionadapter

import (
	"hash/fnv"
	"time"
)

// WatchdogThresholds bound how long a single tool invocation may run before
// the adapter intervenes: soft is accepted but not evaluated by the
// adapter, hard triggers the abort/kill escalation.
type WatchdogThresholds struct {
	SoftMS int
	HardMS int
}

// StallThresholds bound overall session inactivity, independent of any one
// tool call.
type StallThresholds struct {
	InactivityMS int
}

// LoopDetectionConfig controls the rolling-window repeat check.
type LoopDetectionConfig struct {
	WindowSize int
}

// toolTimer tracks the in-flight tool call used to evaluate the hard
// watchdog threshold on every event tick.
type toolTimer struct {
	name      string
	startedAt time.Time
}

// watchdogState accumulates the per-run liveness signals: the currently
// running tool (if any), the last time any event arrived, and a rolling
// window of event signatures for loop detection.
type watchdogState struct {
	watchdog WatchdogThresholds
	stall    StallThresholds
	loop     LoopDetectionConfig

	running     *toolTimer
	lastEventAt time.Time
	window      []uint64
}

func newWatchdogState(watchdog WatchdogThresholds, stall StallThresholds, loop LoopDetectionConfig, now time.Time) *watchdogState {
	return &watchdogState{watchdog: watchdog, stall: stall, loop: loop, lastEventAt: now}
}

// observe updates state from one incoming event and returns whether a loop
// was just detected.
func (w *watchdogState) observe(ev Event, now time.Time) (loopTrip bool) {
	w.lastEventAt = now

	switch ev.Type {
	case EventToolStart:
		w.running = &toolTimer{name: ev.ToolName, startedAt: now}
	case EventToolEnd:
		w.running = nil
	}

	if w.loop.WindowSize > 1 {
		w.window = append(w.window, signature(ev))
		if len(w.window) > w.loop.WindowSize*2 {
			w.window = w.window[len(w.window)-w.loop.WindowSize*2:]
		}
		loopTrip = repeatsLastWindow(w.window, w.loop.WindowSize)
	}
	return loopTrip
}

// hardBreach reports whether the currently running tool has exceeded its
// hard threshold as of now.
func (w *watchdogState) hardBreach(now time.Time) bool {
	if w.watchdog.HardMS <= 0 || w.running == nil {
		return false
	}
	return now.Sub(w.running.startedAt) >= time.Duration(w.watchdog.HardMS)*time.Millisecond
}

// stalled reports whether the session has gone quiet past its inactivity
// threshold.
func (w *watchdogState) stalled(now time.Time) bool {
	if w.stall.InactivityMS <= 0 {
		return false
	}
	return now.Sub(w.lastEventAt) >= time.Duration(w.stall.InactivityMS)*time.Millisecond
}

func signature(ev Event) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ev.Type))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ev.ToolName))
	_, _ = h.Write([]byte{0})
	text := ev.Text
	if len(text) > 64 {
		text = text[:64]
	}
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// repeatsLastWindow reports whether the most recent `size` signatures are
// identical, in order, to the `size` signatures immediately before them —
// i.e. the event stream just repeated a whole cycle.
func repeatsLastWindow(window []uint64, size int) bool {
	if len(window) < size*2 {
		return false
	}
	recent := window[len(window)-size:]
	prior := window[len(window)-size*2 : len(window)-size]
	for i := range recent {
		if recent[i] != prior[i] {
			return false
		}
	}
	return true
}

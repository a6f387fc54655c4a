package sessionadapter

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
)

// fakeProcess is an in-memory Process driven by a pipe so tests can stream
// events without spawning a real agent binary. Writing a session.abort
// command simulates the agent exiting cooperatively.
type fakeProcess struct {
	mu      sync.Mutex
	r       *io.PipeReader
	w       *io.PipeWriter
	stopped bool
	waitCh  chan struct{}
	waitErr error
	writes  []string
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{r: r, w: w, waitCh: make(chan struct{})}
}

func (f *fakeProcess) Stdout() io.ReadCloser { return f.r }

func (f *fakeProcess) Write(data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, string(data))
	f.mu.Unlock()
	if strings.Contains(string(data), "session.abort") {
		f.finish(nil)
	}
	return nil
}

func (f *fakeProcess) Wait() error {
	<-f.waitCh
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeProcess) Stop() error {
	f.finish(nil)
	return nil
}

func (f *fakeProcess) PID() int { return 4242 }

func (f *fakeProcess) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	f.waitErr = err
	_ = f.w.Close()
	close(f.waitCh)
}

func (f *fakeProcess) emit(lines ...string) {
	for _, line := range lines {
		_, _ = f.w.Write([]byte(line + "\n"))
	}
}

type fakeTransport struct{ proc *fakeProcess }

func (f fakeTransport) Name() string { return "fake" }

func (f fakeTransport) Start(ctx context.Context, req SpawnRequest) (Process, error) {
	return f.proc, nil
}

func TestRunAgentHappyPath(t *testing.T) {
	proc := newFakeProcess()
	a := New(Config{})
	a.transportOverride = fakeTransport{proc: proc}

	go func() {
		proc.emit(
			`{"type":"session.updated","sessionId":"sess-1"}`,
			`{"type":"tool_start","tool_name":"Bash"}`,
			`{"type":"tool_end","tool_name":"Bash"}`,
			`{"type":"text","part":{"text":"done"}}`,
		)
		proc.finish(nil)
	}()

	result, err := a.RunAgent(context.Background(), t.TempDir(), "build", "do it", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.SessionID != "sess-1" {
		t.Fatalf("expected sessionID sess-1, got %q", result.SessionID)
	}
	if result.Output != "done" {
		t.Fatalf("expected output 'done', got %q", result.Output)
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", result.ExitCode)
	}
}

func TestRunAgentStallTimeout(t *testing.T) {
	proc := newFakeProcess()
	a := New(Config{})
	a.transportOverride = fakeTransport{proc: proc}

	go proc.emit(`{"type":"session.updated","sessionId":"sess-1"}`)

	result, err := a.RunAgent(context.Background(), t.TempDir(), "build", "do it",
		Options{Stall: StallThresholds{InactivityMS: 50}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.StallTimeout {
		t.Fatalf("expected stall timeout, got %+v", result)
	}
	if result.Success {
		t.Fatalf("expected failure on stall timeout")
	}
	if result.ErrorCode != "stall_timeout" {
		t.Fatalf("expected stall_timeout error code, got %q", result.ErrorCode)
	}
}

func TestRunAgentLoopDetectionTrips(t *testing.T) {
	proc := newFakeProcess()
	a := New(Config{})
	a.transportOverride = fakeTransport{proc: proc}

	go func() {
		proc.emit(
			`{"type":"tool_start","tool_name":"Bash"}`,
			`{"type":"tool_end","tool_name":"Bash"}`,
			`{"type":"tool_start","tool_name":"Bash"}`,
			`{"type":"tool_end","tool_name":"Bash"}`,
		)
	}()

	result, err := a.RunAgent(context.Background(), t.TempDir(), "build", "do it",
		Options{LoopDetection: LoopDetectionConfig{WindowSize: 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.LoopTrip {
		t.Fatalf("expected loop trip, got %+v", result)
	}
	if result.ErrorCode != "loop_detected" {
		t.Fatalf("expected loop_detected error code, got %q", result.ErrorCode)
	}
}

func TestRunAgentHardWatchdogBreachEscalatesCooperatively(t *testing.T) {
	proc := newFakeProcess()
	a := New(Config{})
	a.transportOverride = fakeTransport{proc: proc}

	go proc.emit(
		`{"type":"session.updated","sessionId":"sess-1"}`,
		`{"type":"tool_start","tool_name":"SlowTool"}`,
	)

	result, err := a.RunAgent(context.Background(), t.TempDir(), "build", "do it",
		Options{Watchdog: WatchdogThresholds{HardMS: 50}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.WatchdogTimeout == nil {
		t.Fatalf("expected a watchdog timeout, got %+v", result)
	}
	if result.WatchdogTimeout.Source != sourceSessionAbort {
		t.Fatalf("expected cooperative session.abort, got %q", result.WatchdogTimeout.Source)
	}
}

func TestRunAgentHardWatchdogBreachWithoutSessionKillsDirectly(t *testing.T) {
	proc := newFakeProcess()
	a := New(Config{})
	a.transportOverride = fakeTransport{proc: proc}

	go proc.emit(`{"type":"tool_start","tool_name":"SlowTool"}`)

	result, err := a.RunAgent(context.Background(), t.TempDir(), "build", "do it",
		Options{Watchdog: WatchdogThresholds{HardMS: 50}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.WatchdogTimeout == nil || result.WatchdogTimeout.Source != sourceToolWatchdog {
		t.Fatalf("expected tool-watchdog source without an established session, got %+v", result.WatchdogTimeout)
	}
}

func TestSDKPreferredFallsBackToCLIAndSticks(t *testing.T) {
	a := New(Config{TransportPreference: "sdk-preferred"})

	if a.fallenBack["run-1"] {
		t.Fatalf("should not start fallen back")
	}
	transport := a.transportFor("run-1")
	proc, err := transport.Start(context.Background(), SpawnRequest{Command: "true"})
	if err != nil {
		t.Fatalf("expected sdk-preferred to fall back to cli when sdk is unavailable, got %v", err)
	}
	_ = proc.Wait()
	if !a.fallenBack["run-1"] {
		t.Fatalf("expected sticky fallback to be recorded for run-1")
	}

	second := a.transportFor("run-1")
	if second.Name() != "cli" {
		t.Fatalf("expected subsequent calls for the same run key to go straight to cli, got %q", second.Name())
	}

	if a.transportFor("run-2").Name() == "cli" {
		t.Fatalf("a different run key should not inherit the sticky fallback")
	}
}

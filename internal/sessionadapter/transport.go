package sessionadapter

import (
	"context"
	"errors"
	"io"
	"time"
)

// SpawnRequest describes one agent process invocation.
type SpawnRequest struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorktreeDir string
	Timeout    time.Duration
}

// Process is the running-process handle a Transport hands back. Stop must
// escalate SIGTERM to SIGKILL after a grace window rather than blocking
// forever on an unresponsive child.
type Process interface {
	Stdout() io.ReadCloser
	Write(data []byte) error
	Wait() error
	Stop() error
	PID() int
}

// Transport spawns the agent process. cli shells out to the agent binary;
// sdk wraps a client library directly instead of a subprocess.
type Transport interface {
	Name() string
	Start(ctx context.Context, req SpawnRequest) (Process, error)
}

// ErrSDKUnavailable is returned by the sdk transport until a Go client
// library for the agent is wired in; it is the trigger that sdk-preferred's
// sticky fallback reacts to.
var ErrSDKUnavailable = errors.New("sessionadapter: sdk transport not available")

// sdkTransport is the extension point for a future Go SDK client. No
// example repo in the pack bundles one for this agent, so Start always
// fails; sdk-preferred callers fall back to cli and stick.
type sdkTransport struct{}

func (sdkTransport) Name() string { return "sdk" }

func (sdkTransport) Start(ctx context.Context, req SpawnRequest) (Process, error) {
	return nil, ErrSDKUnavailable
}

// stickyTransport implements the sdk-preferred selection: try primary, and
// on failure record the fallback against runKey (via onFallback) so later
// calls for the same run key go straight to the fallback transport.
type stickyTransport struct {
	primary    Transport
	fallback   Transport
	onFallback func()
}

func (s stickyTransport) Name() string { return "sdk-preferred" }

func (s stickyTransport) Start(ctx context.Context, req SpawnRequest) (Process, error) {
	proc, err := s.primary.Start(ctx, req)
	if err == nil {
		return proc, nil
	}
	if s.onFallback != nil {
		s.onFallback()
	}
	return s.fallback.Start(ctx, req)
}

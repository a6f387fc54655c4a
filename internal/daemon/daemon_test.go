package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ralph-build/ralphd/internal/githubport"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/store"
)

// fakeStore is a minimal in-memory store.Store sufficient for driving a
// tick loop across a handful of tasks and repo configs.
type fakeStore struct {
	mu    sync.Mutex
	tasks []*ralphtask.Task
	repos []*ralphtask.RepoConfig
	hbs   []*ralphtask.DaemonHeartbeat

	listErr error
	repoErr error
}

func (s *fakeStore) ClaimTask(ctx context.Context, ref ralphtask.IssueRef, daemonID string, ttl time.Duration) (*ralphtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &ralphtask.Task{IssueRef: ref, Status: ralphtask.StatusInProgress, DaemonID: daemonID}
	s.tasks = append(s.tasks, t)
	return t, nil
}

func (s *fakeStore) UpdateTaskStatus(ctx context.Context, ref ralphtask.IssueRef, expected, next ralphtask.Status, patch store.TaskPatch) (*ralphtask.Task, error) {
	return nil, nil
}

func (s *fakeStore) GetTask(ctx context.Context, ref ralphtask.IssueRef) (*ralphtask.Task, error) {
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListTasksByStatus(ctx context.Context, statuses ...ralphtask.Status) ([]*ralphtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*ralphtask.Task, len(s.tasks))
	copy(out, s.tasks)
	return out, nil
}

func (s *fakeStore) CreateRun(ctx context.Context, run *ralphtask.Run) error { return nil }
func (s *fakeStore) CompleteRun(ctx context.Context, runID string, outcome ralphtask.Outcome, details string) error {
	return nil
}
func (s *fakeStore) UpsertGateResult(ctx context.Context, result *ralphtask.GateResult) error {
	return nil
}
func (s *fakeStore) RecordGateArtifact(ctx context.Context, artifact *ralphtask.GateArtifact) error {
	return nil
}
func (s *fakeStore) RecordIdempotencyKey(ctx context.Context, key *ralphtask.IdempotencyKey) error {
	return nil
}
func (s *fakeStore) GetIdempotencyRecord(ctx context.Context, key string) (*ralphtask.IdempotencyKey, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) DeleteIdempotencyKey(ctx context.Context, key string) error { return nil }
func (s *fakeStore) SetParentVerificationPending(ctx context.Context, ref ralphtask.IssueRef) error {
	return nil
}
func (s *fakeStore) ClaimParentVerification(ctx context.Context, ref ralphtask.IssueRef, now time.Time, maxAttempts int) (*ralphtask.ParentVerificationState, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) RecordParentVerificationAttemptFailure(ctx context.Context, ref ralphtask.IssueRef, nextAttemptAt time.Time) error {
	return nil
}
func (s *fakeStore) CompleteParentVerification(ctx context.Context, ref ralphtask.IssueRef) error {
	return nil
}
func (s *fakeStore) UpsertRepoConfig(ctx context.Context, cfg *ralphtask.RepoConfig) error {
	return nil
}

func (s *fakeStore) ListRepoConfigs(ctx context.Context) ([]*ralphtask.RepoConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repoErr != nil {
		return nil, s.repoErr
	}
	return s.repos, nil
}

func (s *fakeStore) RecordHeartbeat(ctx context.Context, hb *ralphtask.DaemonHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hbs = append(s.hbs, hb)
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeGitHubSync scripts issue-sync results and a fixed rate-limit reading.
type fakeGitHubSync struct {
	mu        sync.Mutex
	issues    []githubport.IssueState
	syncErr   error
	syncCalls int
	remaining int
}

func (g *fakeGitHubSync) SyncLabeledIssues(ctx context.Context, owner, repo, label string) ([]githubport.IssueState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.syncCalls++
	if g.syncErr != nil {
		return nil, g.syncErr
	}
	return g.issues, nil
}

func (g *fakeGitHubSync) RateLimitRemaining(ctx context.Context) (int, error) {
	return g.remaining, nil
}

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func TestTickDiscoversNewIssuesAndLaunches(t *testing.T) {
	st := &fakeStore{repos: []*ralphtask.RepoConfig{
		{Owner: "acme", Repo: "widgets", AutomationLabel: "ralph", PriorityBand: 1, MaxConcurrency: 2},
	}}
	gh := &fakeGitHubSync{
		issues:    []githubport.IssueState{{Number: 42, State: "open"}, {Number: 7, State: "closed"}},
		remaining: 5000,
	}

	var processed []ralphtask.IssueRef
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	process := func(ctx context.Context, ref ralphtask.IssueRef) error {
		mu.Lock()
		processed = append(processed, ref)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	d := New(Config{HeartbeatPath: filepath.Join(t.TempDir(), "hb.json")}, st, gh, process, stubClock{now: time.Now()}, nil)

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for launched task to process")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 || processed[0].Number != 42 {
		t.Fatalf("expected only issue 42 processed, got %+v", processed)
	}
	if gh.syncCalls != 1 {
		t.Fatalf("expected one sync call, got %d", gh.syncCalls)
	}
	if len(st.hbs) != 1 {
		t.Fatalf("expected one recorded heartbeat, got %d", len(st.hbs))
	}
}

func TestTickSkipsAlreadyTrackedIssues(t *testing.T) {
	ref := ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 42}
	st := &fakeStore{
		tasks: []*ralphtask.Task{{IssueRef: ref, Status: ralphtask.StatusQueued}},
		repos: []*ralphtask.RepoConfig{{Owner: "acme", Repo: "widgets", AutomationLabel: "ralph"}},
	}
	gh := &fakeGitHubSync{issues: []githubport.IssueState{{Number: 42, State: "open"}}, remaining: 5000}

	var calls int32
	process := func(ctx context.Context, ref ralphtask.IssueRef) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	d := New(Config{HeartbeatPath: filepath.Join(t.TempDir(), "hb.json")}, st, gh, process, stubClock{now: time.Now()}, nil)
	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected the already-tracked task to still be launched exactly once, got %d", calls)
	}
}

func TestThrottleGateSteps(t *testing.T) {
	st := &fakeStore{}
	gh := &fakeGitHubSync{remaining: 5000}
	d := New(Config{}, st, gh, func(context.Context, ralphtask.IssueRef) error { return nil }, stubClock{now: time.Now()}, nil)

	cases := []struct {
		remaining int
		want      string
	}{
		{5000, "running"},
		{400, "soft-throttled"},
		{50, "hard-throttled"},
	}
	for _, c := range cases {
		gh.remaining = c.remaining
		if got := string(d.throttleGate(context.Background())); got != c.want {
			t.Errorf("remaining=%d: throttleGate = %q, want %q", c.remaining, got, c.want)
		}
	}
}

func TestThrottleGateDefaultsToRunningWithoutGitHub(t *testing.T) {
	d := New(Config{}, &fakeStore{}, nil, func(context.Context, ralphtask.IssueRef) error { return nil }, stubClock{now: time.Now()}, nil)
	if got := d.throttleGate(context.Background()); got != "running" {
		t.Fatalf("throttleGate = %q, want running", got)
	}
}

func TestSyncGitHubToleratesPerRepoFailure(t *testing.T) {
	st := &fakeStore{repos: []*ralphtask.RepoConfig{
		{Owner: "acme", Repo: "broken", AutomationLabel: "ralph"},
	}}
	gh := &fakeGitHubSync{syncErr: errors.New("boom")}
	d := New(Config{}, st, gh, func(context.Context, ralphtask.IssueRef) error { return nil }, stubClock{now: time.Now()}, nil)

	discovered := d.syncGitHub(context.Background(), st.repos, map[ralphtask.IssueRef]bool{})
	if discovered != nil {
		t.Fatalf("expected no discovered tasks from a failing repo, got %+v", discovered)
	}
}

func TestAcquireAndReleaseLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "ralph.lock")
	d := New(Config{LockPath: lockPath}, &fakeStore{}, nil, func(context.Context, ralphtask.IssueRef) error { return nil }, stubClock{now: time.Now()}, nil)

	if err := d.acquireLock(); err != nil {
		t.Fatalf("acquireLock: %v", err)
	}

	d2 := New(Config{LockPath: lockPath}, &fakeStore{}, nil, func(context.Context, ralphtask.IssueRef) error { return nil }, stubClock{now: time.Now()}, nil)
	if err := d2.acquireLock(); err == nil {
		t.Fatal("expected a second acquireLock against the same path to fail")
	}

	d.releaseLock()
	if err := d2.acquireLock(); err != nil {
		t.Fatalf("acquireLock after release: %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := New(Config{TickInterval: 10 * time.Millisecond}, &fakeStore{}, nil, func(context.Context, ralphtask.IssueRef) error { return nil }, stubClock{now: time.Now()}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

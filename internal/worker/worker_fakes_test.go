package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ralph-build/ralphd/internal/lanes"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/sessionadapter"
	"github.com/ralph-build/ralphd/internal/store"
)

// fakeClock is a deterministic Clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// fakeStore is a minimal in-memory store.Store sufficient for one task's
// worth of pipeline driving.
type fakeStore struct {
	mu        sync.Mutex
	task      *ralphtask.Task
	runs      []*ralphtask.Run
	gates     []*ralphtask.GateResult
	artifacts []*ralphtask.GateArtifact
	repos     []*ralphtask.RepoConfig
	nudges    []*ralphtask.NudgeItem
	nudgeSeq  int
	tokens    []*ralphtask.TokenTotal

	// parentVerify, when non-nil, scripts ClaimParentVerification to
	// succeed with this state instead of the default ErrNotFound (no
	// marker pending).
	parentVerify           *ralphtask.ParentVerificationState
	parentVerifyCompleted  bool
	parentVerifyFailedNext time.Time
}

func newFakeStore(ref ralphtask.IssueRef) *fakeStore {
	return &fakeStore{task: &ralphtask.Task{IssueRef: ref, Status: ralphtask.StatusQueued}}
}

func (s *fakeStore) ClaimTask(ctx context.Context, ref ralphtask.IssueRef, daemonID string, ttl time.Duration) (*ralphtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task.Status = ralphtask.StatusInProgress
	s.task.DaemonID = daemonID
	cp := *s.task
	return &cp, nil
}

func (s *fakeStore) UpdateTaskStatus(ctx context.Context, ref ralphtask.IssueRef, expected, next ralphtask.Status, patch store.TaskPatch) (*ralphtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task.Status != expected {
		return nil, store.ErrConflict
	}
	s.task.Status = next
	if patch.SessionID != nil {
		s.task.SessionID = *patch.SessionID
	}
	if patch.WorktreePath != nil {
		s.task.WorktreePath = *patch.WorktreePath
	}
	if patch.ClearBlocked {
		s.task.BlockedSource, s.task.BlockedReason, s.task.BlockedDetails = "", "", ""
		s.task.BlockedAt = nil
	}
	if patch.BlockedReason != nil {
		s.task.BlockedReason = *patch.BlockedReason
	}
	if patch.BlockedSource != nil {
		s.task.BlockedSource = *patch.BlockedSource
	}
	cp := *s.task
	return &cp, nil
}

func (s *fakeStore) GetTask(ctx context.Context, ref ralphtask.IssueRef) (*ralphtask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.task
	return &cp, nil
}

func (s *fakeStore) ListTasksByStatus(ctx context.Context, statuses ...ralphtask.Status) ([]*ralphtask.Task, error) {
	return []*ralphtask.Task{s.task}, nil
}

func (s *fakeStore) CreateRun(ctx context.Context, run *ralphtask.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeStore) CompleteRun(ctx context.Context, runID string, outcome ralphtask.Outcome, details string) error {
	return nil
}

func (s *fakeStore) UpsertGateResult(ctx context.Context, result *ralphtask.GateResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates = append(s.gates, result)
	return nil
}

func (s *fakeStore) RecordGateArtifact(ctx context.Context, artifact *ralphtask.GateArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, artifact)
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parentVerify == nil {
		return nil, store.ErrNotFound
	}
	cp := *s.parentVerify
	cp.AttemptCount++
	return &cp, nil
}

func (s *fakeStore) RecordParentVerificationAttemptFailure(ctx context.Context, ref ralphtask.IssueRef, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parentVerifyFailedNext = nextAttemptAt
	return nil
}

func (s *fakeStore) CompleteParentVerification(ctx context.Context, ref ralphtask.IssueRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parentVerifyCompleted = true
	return nil
}

func (s *fakeStore) EnqueueNudge(ctx context.Context, sessionID, message string) (*ralphtask.NudgeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nudgeSeq++
	item := &ralphtask.NudgeItem{ID: strconv.Itoa(s.nudgeSeq), Message: message}
	s.nudges = append(s.nudges, item)
	return item, nil
}

func (s *fakeStore) PeekNudge(ctx context.Context, sessionID string) (*ralphtask.NudgeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.nudges) == 0 {
		return nil, store.ErrNotFound
	}
	cp := *s.nudges[0]
	return &cp, nil
}

func (s *fakeStore) CompleteNudge(ctx context.Context, sessionID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.nudges {
		if item.ID == itemID {
			s.nudges = append(s.nudges[:i], s.nudges[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStore) FailNudge(ctx context.Context, sessionID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.nudges {
		if item.ID == itemID {
			item.FailedAttempts++
			break
		}
	}
	return nil
}

func (s *fakeStore) RecordTokenTotal(ctx context.Context, total *ralphtask.TokenTotal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, total)
	return nil
}

func (s *fakeStore) UpsertRepoConfig(ctx context.Context, cfg *ralphtask.RepoConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos = append(s.repos, cfg)
	return nil
}

func (s *fakeStore) ListRepoConfigs(ctx context.Context) ([]*ralphtask.RepoConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repos, nil
}

func (s *fakeStore) RecordHeartbeat(ctx context.Context, hb *ralphtask.DaemonHeartbeat) error {
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeSession scripts one Result (or error) per call, in call order,
// looping the last entry once exhausted.
type fakeSession struct {
	mu      sync.Mutex
	results []*sessionadapter.Result
	errs    []error
	calls   int
}

func (f *fakeSession) next() (*sessionadapter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.results[idx], err
}

func (f *fakeSession) RunAgent(ctx context.Context, worktree, agentName, prompt string, opts sessionadapter.Options) (*sessionadapter.Result, error) {
	return f.next()
}

func (f *fakeSession) ContinueSession(ctx context.Context, worktree, sessionID, prompt string, opts sessionadapter.Options) (*sessionadapter.Result, error) {
	return f.next()
}

func (f *fakeSession) ContinueCommand(ctx context.Context, worktree, sessionID, commandName string, cmdArgs []string, opts sessionadapter.Options) (*sessionadapter.Result, error) {
	return f.next()
}

// fakeGitHub is a scriptable GitHub port.
type fakeGitHub struct {
	mu sync.Mutex

	canonicalPR   *PRSnapshot
	canonicalErr  error
	createPR      *PRSnapshot
	createErr     error
	createCalls   int
	checks        []*ChecksSnapshot
	checksCalls   int
	comments      []lanes.CommentPlan
	updateBranchErr error
	mergeDeleted  bool
}

func (g *fakeGitHub) CanonicalPR(ctx context.Context, ref ralphtask.IssueRef) (*PRSnapshot, error) {
	return g.canonicalPR, g.canonicalErr
}

func (g *fakeGitHub) CreatePR(ctx context.Context, req CreatePRRequest, idempotencyKey string) (*PRSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	return g.createPR, g.createErr
}

func (g *fakeGitHub) RequiredChecks(ctx context.Context, ref ralphtask.IssueRef, prNumber int) (*ChecksSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.checksCalls
	if idx >= len(g.checks) {
		idx = len(g.checks) - 1
	}
	g.checksCalls++
	return g.checks[idx], nil
}

func (g *fakeGitHub) UpsertMarkedComment(ctx context.Context, ref ralphtask.IssueRef, plan lanes.CommentPlan) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.comments = append(g.comments, plan)
	return "https://github.com/example/pull/1#comment", nil
}

func (g *fakeGitHub) UpdateBranch(ctx context.Context, ref ralphtask.IssueRef, prNumber int) error {
	return g.updateBranchErr
}

func (g *fakeGitHub) DeleteBranch(ctx context.Context, ref ralphtask.IssueRef, branch string) error {
	g.mergeDeleted = true
	return nil
}

func (g *fakeGitHub) OpenFollowUpIssue(ctx context.Context, ref ralphtask.IssueRef, title, body string) (string, error) {
	return "https://github.com/example/issues/2", nil
}

// fakeGit is a scriptable Git port; every method no-ops successfully
// unless a field below overrides it.
type fakeGit struct {
	diffStat  string
	diff      string
	pushErr   error
	mergeErr  error
	worktree  string
}

func (g *fakeGit) FetchOrigin(ctx context.Context, worktreeDir, ref string) error { return nil }

func (g *fakeGit) DiffStat(ctx context.Context, worktreeDir, rangeSpec string) (string, error) {
	return g.diffStat, nil
}

func (g *fakeGit) Diff(ctx context.Context, worktreeDir, rangeSpec string) (string, error) {
	return g.diff, nil
}

func (g *fakeGit) StatusPorcelain(ctx context.Context, worktreeDir string) (string, error) {
	return "", nil
}

func (g *fakeGit) MergeNoEdit(ctx context.Context, worktreeDir, ref string) error { return g.mergeErr }

func (g *fakeGit) Push(ctx context.Context, worktreeDir, ref string) error { return g.pushErr }

func (g *fakeGit) EnsureWorktree(ctx context.Context, managedRoot string, ref ralphtask.IssueRef) (string, error) {
	if g.worktree != "" {
		return g.worktree, nil
	}
	return "/tmp/" + ref.String(), nil
}

// fakeNotifier records escalation notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *fakeNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

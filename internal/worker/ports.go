// Package worker drives one issue-linked task through the pipeline:
// pre-flight, plan, plan_review, build, product_review, devex_review,
// pr_create, ci_wait, merge, pr_evidence, done. Stage failures dispatch into
// a recovery lane (internal/lanes); the lane's decision is executed here,
// against the external ports, never inside the lane itself.
package worker

import (
	"context"
	"time"

	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/lanes"
	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/sessionadapter"
	"github.com/ralph-build/ralphd/internal/store"
)

// SessionAdapter is the subset of sessionadapter.Adapter the pipeline
// drives. A real *sessionadapter.Adapter satisfies this; tests inject a
// fake.
type SessionAdapter interface {
	RunAgent(ctx context.Context, worktree, agentName, prompt string, opts sessionadapter.Options) (*sessionadapter.Result, error)
	ContinueSession(ctx context.Context, worktree, sessionID, prompt string, opts sessionadapter.Options) (*sessionadapter.Result, error)
	ContinueCommand(ctx context.Context, worktree, sessionID, commandName string, cmdArgs []string, opts sessionadapter.Options) (*sessionadapter.Result, error)
}

// PRSnapshot is the canonical view of a PR the pipeline cares about.
type PRSnapshot struct {
	URL       string
	Number    int
	Branch    string
	Base      string
	State     string // open | dirty | draft | merged | closed
	Draft     bool
	SameRepo  bool
	GhCreatedAt time.Time
	GhUpdatedAt time.Time
}

// CreatePRRequest is what pr_create needs to open a pull request.
type CreatePRRequest struct {
	IssueRef ralphtask.IssueRef
	Branch   string
	Base     string
	Title    string
	Body     string
}

// CheckResult is one required check's raw GitHub state.
type CheckResult struct {
	Name     string
	State    string // success | failure | timeout | pending
	RawState string
	Excerpt  string
}

// ChecksSnapshot is the aggregate state of a PR's required checks.
type ChecksSnapshot struct {
	Status   string // success | failure | timeout | pending
	TimedOut bool
	Checks   []CheckResult
}

// GitHub is the subset of GitHub operations the pipeline needs. All raw API
// access is centralized behind this port.
type GitHub interface {
	CanonicalPR(ctx context.Context, ref ralphtask.IssueRef) (*PRSnapshot, error)
	CreatePR(ctx context.Context, req CreatePRRequest, idempotencyKey string) (*PRSnapshot, error)
	RequiredChecks(ctx context.Context, ref ralphtask.IssueRef, prNumber int) (*ChecksSnapshot, error)
	UpsertMarkedComment(ctx context.Context, ref ralphtask.IssueRef, plan lanes.CommentPlan) (url string, err error)
	UpdateBranch(ctx context.Context, ref ralphtask.IssueRef, prNumber int) error
	DeleteBranch(ctx context.Context, ref ralphtask.IssueRef, branch string) error
	OpenFollowUpIssue(ctx context.Context, ref ralphtask.IssueRef, title, body string) (url string, err error)
}

// Git is the subset of git operations the pipeline needs, all scoped to a
// worktree directory.
type Git interface {
	FetchOrigin(ctx context.Context, worktreeDir, ref string) error
	DiffStat(ctx context.Context, worktreeDir, rangeSpec string) (string, error)
	Diff(ctx context.Context, worktreeDir, rangeSpec string) (string, error)
	StatusPorcelain(ctx context.Context, worktreeDir string) (string, error)
	MergeNoEdit(ctx context.Context, worktreeDir, ref string) error
	Push(ctx context.Context, worktreeDir, ref string) error
	EnsureWorktree(ctx context.Context, managedRoot string, ref ralphtask.IssueRef) (path string, err error)
}

// Clock abstracts time so pipeline tests are deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Notifier sends an escalation or blocked notification to a human channel.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// StallGuard tracks watchdog escalation storms per repo. A nil StallGuard
// in Ports disables storm detection entirely; every escalation is then
// handled purely by the watchdog lane, with no repo-level cooldown.
type StallGuard interface {
	RecordEscalation(ctx context.Context, repo, reason string) (cooledDown bool)
}

// Ports bundles every external dependency a Worker needs. Tests construct
// one with fakes; production wires the real adapters.
type Ports struct {
	Store      store.Store
	Session    SessionAdapter
	GitHub     GitHub
	Git        Git
	Clock      Clock
	Notifier   Notifier
	Logger     logging.Logger
	StallGuard StallGuard
}

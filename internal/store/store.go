// Package store defines the durable ledger port the daemon and workers use
// to persist tasks, runs, gate results, idempotency keys, and
// parent-verification bookkeeping. Two backends implement it: sqlitestore
// for the single-node default, and pgstore for multi-reader deployments.
package store

import (
	"context"
	"errors"
	"time"

	rerrors "github.com/ralph-build/ralphd/internal/errors"
	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// ErrConflict is returned when a compare-and-set operation observes a
// prior state different from the one the caller expected.
var ErrConflict = rerrors.WithKind(rerrors.KindConflict, errors.New("compare-and-set conflict"))

// ErrNotFound is returned when a read targets a row that does not exist.
var ErrNotFound = rerrors.WithKind(rerrors.KindNotFound, errors.New("not found"))

// ErrKeyExists is returned by RecordIdempotencyKey when the key is
// already held.
var ErrKeyExists = rerrors.WithKind(rerrors.KindConflict, errors.New("idempotency key already recorded"))

// TaskPatch carries the fields a status transition may update alongside
// the status itself. Nil pointers (or the zero value for non-pointer
// fields) leave the corresponding column untouched, except where noted.
type TaskPatch struct {
	BlockedSource  *string
	BlockedReason  *string
	BlockedDetails *string
	SessionID      *string
	WorktreePath   *string
	DaemonID       *string

	// WatchdogRetries/StallRetries replace the stored counters outright
	// when non-nil; callers pass the already-incremented value.
	WatchdogRetries *int
	StallRetries    *int

	HeartbeatAt *time.Time
	BlockedAt   *time.Time
	CompletedAt *time.Time

	// ClearBlocked, when true, clears blockedSource/blockedReason/
	// blockedDetails/blockedAt regardless of the pointer fields above.
	ClearBlocked bool
}

// Store is the durable ledger port. All mutating methods are single
// transactions; reads observe the latest committed write.
type Store interface {
	// ClaimTask atomically transitions a task queued -> in-progress, or
	// reclaims a stale in-progress lease, iff the current heartbeat is
	// older than heartbeatTTL or absent. Returns ErrConflict if another
	// daemon holds a fresh lease. Creates the task row on first sight.
	ClaimTask(ctx context.Context, ref ralphtask.IssueRef, daemonID string, heartbeatTTL time.Duration) (*ralphtask.Task, error)

	// UpdateTaskStatus applies patch and transitions to next iff the
	// task's current status equals expected. Returns ErrConflict
	// otherwise, with the caller expected to re-read and retry.
	UpdateTaskStatus(ctx context.Context, ref ralphtask.IssueRef, expected, next ralphtask.Status, patch TaskPatch) (*ralphtask.Task, error)

	// GetTask returns the current snapshot of a task, or ErrNotFound.
	GetTask(ctx context.Context, ref ralphtask.IssueRef) (*ralphtask.Task, error)

	// ListTasksByStatus returns all tasks in any of the given statuses,
	// ordered by issue number ascending within each repo.
	ListTasksByStatus(ctx context.Context, statuses ...ralphtask.Status) ([]*ralphtask.Task, error)

	// CreateRun persists a new Run. Failure is non-fatal to callers: the
	// worker proceeds with a degraded run (no gate persistence) and logs
	// a warning, per the store's failure policy.
	CreateRun(ctx context.Context, run *ralphtask.Run) error

	// CompleteRun is idempotent on runID; a second call with the same
	// runID is a no-op and returns nil.
	CompleteRun(ctx context.Context, runID string, outcome ralphtask.Outcome, details string) error

	// UpsertGateResult creates the gate row on first call and advances
	// its status on subsequent calls. Implementations must refuse a
	// backward status transition.
	UpsertGateResult(ctx context.Context, result *ralphtask.GateResult) error

	// RecordGateArtifact appends an artifact row; artifacts are never
	// updated or deleted.
	RecordGateArtifact(ctx context.Context, artifact *ralphtask.GateArtifact) error

	// RecordIdempotencyKey fails with ErrKeyExists if key is already
	// held; used to serialize PR creation and stuck-comment writebacks.
	RecordIdempotencyKey(ctx context.Context, key *ralphtask.IdempotencyKey) error

	// GetIdempotencyRecord returns the held record for key, or
	// ErrNotFound.
	GetIdempotencyRecord(ctx context.Context, key string) (*ralphtask.IdempotencyKey, error)

	// DeleteIdempotencyKey releases key, supporting stale-lease reclaim.
	DeleteIdempotencyKey(ctx context.Context, key string) error

	// SetParentVerificationPending creates or resets a pending
	// parent-verification marker for ref.
	SetParentVerificationPending(ctx context.Context, ref ralphtask.IssueRef) error

	// ClaimParentVerification atomically moves a pending marker to
	// running, bumping attemptCount, iff attemptCount < maxAttempts and
	// now >= nextAttemptAt. Returns ErrConflict if the marker is already
	// running or not yet eligible.
	ClaimParentVerification(ctx context.Context, ref ralphtask.IssueRef, now time.Time, maxAttempts int) (*ralphtask.ParentVerificationState, error)

	// RecordParentVerificationAttemptFailure returns a running marker to
	// pending with the given backoff window.
	RecordParentVerificationAttemptFailure(ctx context.Context, ref ralphtask.IssueRef, nextAttemptAt time.Time) error

	// CompleteParentVerification marks the marker complete.
	CompleteParentVerification(ctx context.Context, ref ralphtask.IssueRef) error

	// EnqueueNudge appends message to the tail of sessionID's nudge
	// queue, returning the created item.
	EnqueueNudge(ctx context.Context, sessionID, message string) (*ralphtask.NudgeItem, error)

	// PeekNudge returns the item at the head of sessionID's queue
	// without removing it, or ErrNotFound if the queue is empty.
	// Head-of-line blocking: the head is re-delivered on every call
	// until CompleteNudge or FailNudge clears it.
	PeekNudge(ctx context.Context, sessionID string) (*ralphtask.NudgeItem, error)

	// CompleteNudge removes itemID from sessionID's queue after
	// successful delivery.
	CompleteNudge(ctx context.Context, sessionID, itemID string) error

	// FailNudge bumps itemID's failed-attempt counter after a failed
	// delivery; the item stays at the head of the queue.
	FailNudge(ctx context.Context, sessionID, itemID string) error

	// RecordTokenTotal upserts the aggregated token usage observed for
	// a run's session.
	RecordTokenTotal(ctx context.Context, total *ralphtask.TokenTotal) error

	// UpsertRepoConfig persists the per-repo scheduler/policy
	// configuration row.
	UpsertRepoConfig(ctx context.Context, cfg *ralphtask.RepoConfig) error

	// ListRepoConfigs returns every configured repo.
	ListRepoConfigs(ctx context.Context) ([]*ralphtask.RepoConfig, error)

	// RecordHeartbeat persists the daemon's latest tick summary.
	RecordHeartbeat(ctx context.Context, hb *ralphtask.DaemonHeartbeat) error

	// Close releases underlying connections.
	Close() error
}

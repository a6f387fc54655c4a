// Package ralphtask defines the domain entities persisted by the state
// store: one Task per automation-labelled GitHub issue, the Runs it
// accumulates, the gates and artifacts each Run records, and the
// supporting idempotency/nudge/parent-verification/token-accounting
// records the pipeline needs to stay restartable.
package ralphtask

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusEscalated  Status = "escalated"
	StatusCompleted  Status = "completed"
)

// IsTerminal reports whether the status is a final state. Blocked is
// deliberately not terminal: it is transient and revivable once its
// blocking source clears.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusEscalated:
		return true
	default:
		return false
	}
}

// IssueRef identifies a GitHub issue unambiguously across repos.
type IssueRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

func (r IssueRef) String() string {
	return r.Owner + "/" + r.Repo + "#" + itoa(r.Number)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Task is the unified per-issue orchestration record.
type Task struct {
	IssueRef IssueRef `json:"issue_ref"`

	Status Status `json:"status"`

	BlockedSource  string `json:"blocked_source,omitempty"`
	BlockedReason  string `json:"blocked_reason,omitempty"`
	BlockedDetails string `json:"blocked_details,omitempty"`

	SessionID     string `json:"session_id,omitempty"`
	WorktreePath  string `json:"worktree_path,omitempty"`
	WatchdogRetries int  `json:"watchdog_retries"`
	StallRetries    int  `json:"stall_retries"`

	DaemonID string `json:"daemon_id,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	HeartbeatAt   *time.Time `json:"heartbeat_at,omitempty"`
	BlockedAt     *time.Time `json:"blocked_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// AttemptKind classifies what a Run was attempting.
type AttemptKind string

const (
	AttemptProcess        AttemptKind = "process"
	AttemptCITriage       AttemptKind = "ci-triage"
	AttemptMergeConflict  AttemptKind = "merge-conflict"
	AttemptParentVerify   AttemptKind = "parent-verify"
)

// Outcome is the terminal result of a Run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeEscalated Outcome = "escalated"
	OutcomeThrottled Outcome = "throttled"
)

// Run is a single worker invocation against a Task. completeRun is
// idempotent on RunID: a second completion call is a no-op.
type Run struct {
	RunID       string      `json:"run_id"`
	TaskRef     IssueRef    `json:"task_ref"`
	AttemptKind AttemptKind `json:"attempt_kind"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	Details     string      `json:"details,omitempty"`
}

// GateName enumerates the recognized pipeline gates.
type GateName string

const (
	GatePlanReview    GateName = "plan_review"
	GateProductReview GateName = "product_review"
	GateDevexReview   GateName = "devex_review"
	GatePREvidence    GateName = "pr_evidence"
	GateCI            GateName = "ci"
)

// GateStatus moves monotonically pending -> {pass, fail, skipped}.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GatePass    GateStatus = "pass"
	GateFail    GateStatus = "fail"
	GateSkipped GateStatus = "skipped"
)

// GateResult is upserted as a gate progresses; it is terminal once the
// owning Run completes.
type GateResult struct {
	RunID     string     `json:"run_id"`
	Gate      GateName   `json:"gate"`
	Status    GateStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
	PRUrl     string     `json:"pr_url,omitempty"`
	PRNumber  int        `json:"pr_number,omitempty"`
}

// GateArtifactKind classifies an append-only gate artifact.
type GateArtifactKind string

const (
	ArtifactCommandOutput   GateArtifactKind = "command_output"
	ArtifactFailureExcerpt  GateArtifactKind = "failure_excerpt"
	ArtifactNote            GateArtifactKind = "note"
)

// GateArtifact is written during gate execution; content is redacted and
// length-capped by the caller before it reaches the store.
type GateArtifact struct {
	RunID         string           `json:"run_id"`
	Gate          GateName         `json:"gate"`
	Kind          GateArtifactKind `json:"kind"`
	Content       string           `json:"content"`
	TruncatedMode string           `json:"truncated_mode,omitempty"`
}

// IdempotencyKey guards an at-most-once external side effect. Recording is
// compare-and-set: a second RecordIdempotencyKey with the same Key fails.
type IdempotencyKey struct {
	Key        string          `json:"key"`
	Scope      string          `json:"scope"`
	CreatedAt  time.Time       `json:"created_at"`
	PayloadJSON json.RawMessage `json:"payload_json,omitempty"`
}

// PRResolution is recomputed on demand: one canonical URL per issue,
// chosen by earliest GitHub creation timestamp.
type PRResolution struct {
	IssueRef    IssueRef `json:"issue_ref"`
	SelectedURL string   `json:"selected_url"`
	Duplicates  []string `json:"duplicates,omitempty"`
}

// NudgeItem is one queued message awaiting delivery to an agent session.
type NudgeItem struct {
	ID            string `json:"id"`
	Message       string `json:"message"`
	FailedAttempts int   `json:"failed_attempts"`
}

// NudgeQueue is strictly FIFO per session with head-of-line blocking.
type NudgeQueue struct {
	SessionID string      `json:"session_id"`
	Items     []NudgeItem `json:"items"`
}

// ParentVerificationStatus is the lifecycle of a parent-verification claim.
type ParentVerificationStatus string

const (
	ParentVerifyPending  ParentVerificationStatus = "pending"
	ParentVerifyRunning  ParentVerificationStatus = "running"
	ParentVerifyComplete ParentVerificationStatus = "complete"
)

// ParentVerificationState tracks the attempt/backoff bookkeeping for
// verifying an issue whose children all resolved.
type ParentVerificationState struct {
	IssueRef      IssueRef                 `json:"issue_ref"`
	Status        ParentVerificationStatus `json:"status"`
	AttemptCount  int                      `json:"attempt_count"`
	NextAttemptAt time.Time                `json:"next_attempt_at"`
}

// TokenTotal is aggregated post-run from agent session logs.
type TokenTotal struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Tokens    int    `json:"tokens"`
	Quality   string `json:"quality,omitempty"`
}

// RepoConfig drives scheduler fairness bands and per-repo worker policy
// checks (allow-main override label, CI-only path exclusions).
type RepoConfig struct {
	Owner           string   `json:"owner"`
	Repo            string   `json:"repo"`
	DefaultBranch   string   `json:"default_branch"`
	AutomationLabel string   `json:"automation_label"`
	PriorityBand    int      `json:"priority_band"`
	MaxConcurrency  int      `json:"max_concurrency"`
	AllowMainLabel  string   `json:"allow_main_label"`
	CIOnlyPaths     []string `json:"ci_only_paths,omitempty"`
}

// DaemonHeartbeat is written each daemon tick for operational visibility.
type DaemonHeartbeat struct {
	DaemonID      string    `json:"daemon_id"`
	LastTickAt    time.Time `json:"last_tick_at"`
	TasksInFlight int       `json:"tasks_in_flight"`
	ThrottleGate  string    `json:"throttle_gate"`
}

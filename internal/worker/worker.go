package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	rerrors "github.com/ralph-build/ralphd/internal/errors"
	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/metrics"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/sessionadapter"
	"github.com/ralph-build/ralphd/internal/store"
	"github.com/ralph-build/ralphd/internal/utils/id"
)

// Config is the per-worker policy knobs that aren't specific to one repo
// (those live in ralphtask.RepoConfig, fetched through Ports.Store).
type Config struct {
	ManagedWorktreeRoot     string
	DaemonID                string
	HeartbeatTTL            time.Duration
	MaxMergeConflictRetries int
	MaxCITriageAttempts     int
	MaxParentVerifyAttempts int

	// DryRun makes pre-flight and every stage up to merge return advance at
	// once, without running their decision logic or calling the session
	// adapter, GitHub or Git; nothing is logged for the skipped work.
	// pr_evidence and done run as usual.
	DryRun bool

	Watchdog      sessionadapter.WatchdogThresholds
	Stall         sessionadapter.StallThresholds
	LoopDetection sessionadapter.LoopDetectionConfig
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 2 * time.Minute
	}
	if c.MaxMergeConflictRetries <= 0 {
		c.MaxMergeConflictRetries = 2
	}
	if c.MaxCITriageAttempts <= 0 {
		c.MaxCITriageAttempts = 3
	}
	if c.MaxParentVerifyAttempts <= 0 {
		c.MaxParentVerifyAttempts = 3
	}
	return c
}

// Worker drives one task's pipeline to completion, blocked, or escalated.
type Worker struct {
	ports Ports
	cfg   Config
}

// New builds a Worker. A nil Logger in ports gets a default component
// logger.
func New(ports Ports, cfg Config) *Worker {
	if logging.IsNil(ports.Logger) {
		ports.Logger = logging.NewComponentLogger("Worker")
	}
	if ports.Clock == nil {
		ports.Clock = SystemClock{}
	}
	if ports.GitHub != nil {
		ports.GitHub = newCircuitGitHub(ports.GitHub, ports.Logger)
	}
	return &Worker{ports: ports, cfg: cfg.withDefaults()}
}

// runState carries the mutable context threaded through one Process call:
// the task snapshot, the active run, and the stage trace.
type runState struct {
	ref     ralphtask.IssueRef
	task    *ralphtask.Task
	run     *ralphtask.Run
	repoCfg *ralphtask.RepoConfig
	pr      *PRSnapshot
	trace   []StageSnapshot

	sessionID    string
	workDir      string
	buildMarker  *BuildEvidenceMarker
	changedPaths []string
	issueLabels  []string

	reviewRepairAttempts  map[ralphtask.GateName]int
	mergeConflictAttempts int
	ciTriageAttempts      int
	prCreateLeaseAttempts int

	// verifiedNoPRTerminalReason is set by stagePreflight once a
	// parent-verification claim resolves no_work with a recognized
	// noPrTerminalReason. Its presence fast-forwards the Process loop
	// straight to pr_evidence, skipping plan/build/review/pr_create/
	// ci_wait/merge entirely.
	verifiedNoPRTerminalReason string

	// gateOverride, when set by the stage that just ran, replaces the
	// generic outcome->status mapping recordGate would otherwise apply
	// (for example pr_evidence recording skipped with a skip reason
	// instead of a flat pass/fail). recordGate clears it after each use.
	gateOverride *ralphtask.GateResult

	// priorCISignature/priorCIExcerpt and priorWatchdogSignature persist
	// across repeated polls within one Process call, so a second identical
	// CI failure or watchdog breach on the same run quarantines/escalates
	// instead of retrying forever. Continuity across separate Process
	// calls additionally relies on the task's own WatchdogRetries counter.
	priorCISignature       uint64
	priorCIExcerpt         string
	priorWatchdogSignature uint64

	// ciPollAttempts counts consecutive pending polls of stageCIWait;
	// recoverDelay is the backoff the Process loop waits out before
	// re-running the stage that requested a recover. ciBackoff and
	// prCreateBackoff hold the stateful exponential sequence behind it, one
	// per retrying stage so their growth doesn't interfere with each other.
	ciPollAttempts   int
	recoverDelay     time.Duration
	ciBackoff        *backoff.ExponentialBackOff
	prCreateBackoff  *backoff.ExponentialBackOff

	// tokensUsed tracks the latest cumulative token count reported by the
	// run's agent session, for post-run aggregation into a TokenTotal.
	tokensUsed int
}

// accumulateTokens records the latest cumulative token count an agent
// call reported, if any. A nil result (the caller already returned on
// error) is a no-op.
func (st *runState) accumulateTokens(result *sessionadapter.Result) {
	if result == nil || result.Tokens <= 0 {
		return
	}
	st.tokensUsed = result.Tokens
}

func newRunState(ref ralphtask.IssueRef, task *ralphtask.Task, run *ralphtask.Run, repoCfg *ralphtask.RepoConfig) *runState {
	return &runState{
		ref:                  ref,
		task:                 task,
		run:                  run,
		repoCfg:              repoCfg,
		workDir:              task.WorktreePath,
		sessionID:            task.SessionID,
		reviewRepairAttempts: make(map[ralphtask.GateName]int),
	}
}

// taskPatch builds the store.TaskPatch reflecting the worker-owned fields
// of st; completing clears the blocked-* columns on a successful finish.
func (st *runState) taskPatch(completing bool) store.TaskPatch {
	patch := store.TaskPatch{
		SessionID:       &st.sessionID,
		WorktreePath:    &st.workDir,
		WatchdogRetries: &st.task.WatchdogRetries,
		StallRetries:    &st.task.StallRetries,
	}
	if completing {
		patch.ClearBlocked = true
	}
	return patch
}

// Process claims ref, drives its pipeline stages forward, and returns once
// the task reaches completed, blocked, or escalated, or ctx is canceled.
func (w *Worker) Process(ctx context.Context, ref ralphtask.IssueRef) error {
	task, err := w.ports.Store.ClaimTask(ctx, ref, w.cfg.DaemonID, w.cfg.HeartbeatTTL)
	if err != nil {
		return err
	}

	repoCfg := w.repoConfigFor(ctx, ref)
	run := &ralphtask.Run{
		RunID:       id.NewRunID(),
		TaskRef:     ref,
		AttemptKind: ralphtask.AttemptProcess,
		StartedAt:   w.ports.Clock.Now(),
	}
	ctx = id.WithRunID(ctx, run.RunID)
	if err := w.ports.Store.CreateRun(ctx, run); err != nil {
		w.ports.Logger.Warn("create run failed, proceeding without gate persistence: %v", err)
	}

	st := newRunState(ref, task, run, repoCfg)

	stage := StagePreflight
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		snapshot, outcome, stageErr := runStage(w.ports.Logger, stage, func() (stageOutcome, error) {
			return w.runOneStage(ctx, stage, st)
		})
		st.trace = append(st.trace, snapshot)
		w.recordGate(ctx, st, run.RunID, stage, outcome, stageErr)

		switch outcome {
		case outcomeAdvance:
			next, ok := nextStage(stage)
			if !ok {
				return w.complete(ctx, st, ralphtask.OutcomeSuccess, "")
			}
			// A verified no-PR completion has no remaining pipeline work:
			// skip straight to pr_evidence rather than walking plan/build/
			// review/pr_create/ci_wait/merge for evidence that will never
			// materialize.
			if st.verifiedNoPRTerminalReason != "" && next != StagePREvidence && next != StageDone {
				next = StagePREvidence
			}
			stage = next
		case outcomeDone:
			return w.complete(ctx, st, ralphtask.OutcomeSuccess, "")
		case outcomeRecover:
			// the lane already mutated st (retry prompt, requeued
			// counters); wait out any backoff the stage requested, then
			// re-run the same stage.
			if st.recoverDelay > 0 {
				delay := st.recoverDelay
				st.recoverDelay = 0
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
			continue
		case outcomeBlocked:
			w.recordFailureArtifact(ctx, st, run.RunID, stage, stageErr)
			return w.block(ctx, st, stageErr)
		case outcomeEscalate:
			w.recordFailureArtifact(ctx, st, run.RunID, stage, stageErr)
			return w.escalate(ctx, st, stageErr)
		default:
			return errUnknownStage
		}
	}
}

func (w *Worker) runOneStage(ctx context.Context, stage Stage, st *runState) (stageOutcome, error) {
	switch stage {
	case StagePreflight:
		return w.stagePreflight(ctx, st)
	case StagePlan:
		return w.stagePlan(ctx, st)
	case StagePlanReview:
		return w.stagePlanReview(ctx, st)
	case StageBuild:
		return w.stageBuild(ctx, st)
	case StageProductReview:
		return w.stageReview(ctx, st, ralphtask.GateProductReview)
	case StageDevexReview:
		return w.stageReview(ctx, st, ralphtask.GateDevexReview)
	case StagePRCreate:
		return w.stagePRCreate(ctx, st)
	case StageCIWait:
		return w.stageCIWait(ctx, st)
	case StageMerge:
		return w.stageMerge(ctx, st)
	case StagePREvidence:
		return w.stagePREvidence(ctx, st)
	case StageDone:
		return w.stageDone(ctx, st)
	default:
		return outcomeEscalate, errUnknownStage
	}
}

func (w *Worker) repoConfigFor(ctx context.Context, ref ralphtask.IssueRef) *ralphtask.RepoConfig {
	cfgs, err := w.ports.Store.ListRepoConfigs(ctx)
	if err != nil {
		return nil
	}
	for _, c := range cfgs {
		if c.Owner == ref.Owner && c.Repo == ref.Repo {
			return c
		}
	}
	return nil
}

func (w *Worker) recordGate(ctx context.Context, st *runState, runID string, stage Stage, outcome stageOutcome, stageErr error) {
	gate, ok := gateFor(stage)
	if !ok {
		return
	}

	result := st.gateOverride
	st.gateOverride = nil
	if result == nil {
		status := ralphtask.GatePending
		switch outcome {
		case outcomeAdvance, outcomeDone:
			status = ralphtask.GatePass
		case outcomeBlocked, outcomeEscalate:
			status = ralphtask.GateFail
		}
		reason := ""
		if stageErr != nil {
			reason = stageErr.Error()
		}
		result = &ralphtask.GateResult{Gate: gate, Status: status, Reason: reason}
	}
	result.RunID = runID

	metrics.RecordGateResult(string(result.Gate), string(result.Status))
	_ = w.ports.Store.UpsertGateResult(ctx, result)
}

// recordFailureArtifact writes the redacted failure excerpt every blocked
// or escalated surfacing must leave behind, per the propagation policy: a
// Run outcome, a gate artifact, and a task status transition all follow
// from one surfacing.
func (w *Worker) recordFailureArtifact(ctx context.Context, st *runState, runID string, stage Stage, stageErr error) {
	if stageErr == nil {
		return
	}
	gate, ok := gateFor(stage)
	if !ok {
		gate = ralphtask.GateName(stage)
	}
	content, mode := rerrors.Redact(rerrors.Summarize(stageErr), 4000)
	_ = w.ports.Store.RecordGateArtifact(ctx, &ralphtask.GateArtifact{
		RunID:         runID,
		Gate:          gate,
		Kind:          ralphtask.ArtifactFailureExcerpt,
		Content:       content,
		TruncatedMode: mode,
	})
}

func gateFor(stage Stage) (ralphtask.GateName, bool) {
	switch stage {
	case StagePlanReview:
		return ralphtask.GatePlanReview, true
	case StageProductReview:
		return ralphtask.GateProductReview, true
	case StageDevexReview:
		return ralphtask.GateDevexReview, true
	case StageCIWait:
		return ralphtask.GateCI, true
	case StagePREvidence:
		return ralphtask.GatePREvidence, true
	default:
		return "", false
	}
}

func (w *Worker) complete(ctx context.Context, st *runState, outcome ralphtask.Outcome, details string) error {
	_ = w.ports.Store.CompleteRun(ctx, st.run.RunID, outcome, details)
	w.recordTokenTotal(ctx, st)
	patch := st.taskPatch(true)
	_, err := w.ports.Store.UpdateTaskStatus(ctx, st.ref, ralphtask.StatusInProgress, ralphtask.StatusCompleted, patch)
	return err
}

func (w *Worker) block(ctx context.Context, st *runState, cause error) error {
	_ = w.ports.Store.CompleteRun(ctx, st.run.RunID, ralphtask.OutcomeFailed, causeText(cause))
	w.recordTokenTotal(ctx, st)
	now := w.ports.Clock.Now()
	reason := causeText(cause)
	patch := st.taskPatch(false)
	patch.BlockedAt = &now
	patch.BlockedReason = &reason
	src := "pipeline"
	patch.BlockedSource = &src
	_, err := w.ports.Store.UpdateTaskStatus(ctx, st.ref, ralphtask.StatusInProgress, ralphtask.StatusBlocked, patch)
	return err
}

func (w *Worker) escalate(ctx context.Context, st *runState, cause error) error {
	_ = w.ports.Store.CompleteRun(ctx, st.run.RunID, ralphtask.OutcomeEscalated, causeText(cause))
	w.recordTokenTotal(ctx, st)
	patch := st.taskPatch(false)
	_, err := w.ports.Store.UpdateTaskStatus(ctx, st.ref, ralphtask.StatusInProgress, ralphtask.StatusEscalated, patch)
	if w.ports.Notifier != nil {
		_ = w.ports.Notifier.Notify(ctx, "ralph: task escalated "+st.ref.String(), causeText(cause))
	}
	return err
}

// recordTokenTotal persists the run's accumulated token usage once it
// reaches a terminal outcome. A run that never reported a token count
// (no agent call, or an adapter that doesn't surface usage) leaves
// nothing to record.
func (w *Worker) recordTokenTotal(ctx context.Context, st *runState) {
	if st.tokensUsed <= 0 {
		return
	}
	_ = w.ports.Store.RecordTokenTotal(ctx, &ralphtask.TokenTotal{
		RunID:     st.run.RunID,
		SessionID: st.sessionID,
		Tokens:    st.tokensUsed,
	})
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

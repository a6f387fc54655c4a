package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	rerrors "github.com/ralph-build/ralphd/internal/errors"
	"github.com/ralph-build/ralphd/internal/lanes"
	"github.com/ralph-build/ralphd/internal/metrics"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/sessionadapter"
)

func (w *Worker) sessionOptions(st *runState, stage Stage) sessionadapter.Options {
	return sessionadapter.Options{
		Watchdog:      w.cfg.Watchdog,
		Stall:         w.cfg.Stall,
		LoopDetection: w.cfg.LoopDetection,
		RepoKey:       fmt.Sprintf("%s/%s", st.ref.Owner, st.ref.Repo),
		RunKey:        fmt.Sprintf("%s:%s", st.ref.String(), stage),
	}
}

// stagePreflight resolves (or creates) the worktree, resolves the issue's
// canonical PR if one already exists, and claims any pending
// parent-verification marker. A resumed task is not fast-forwarded: Process
// runs every later stage again, except that a verified no-PR parent claim
// jumps straight to pr_evidence.
func (w *Worker) stagePreflight(ctx context.Context, st *runState) (stageOutcome, error) {
	if w.cfg.DryRun {
		return outcomeAdvance, nil
	}

	path, err := w.ports.Git.EnsureWorktree(ctx, w.cfg.ManagedWorktreeRoot, st.ref)
	if err != nil {
		return outcomeEscalate, fmt.Errorf("pre-flight: ensure worktree: %w", err)
	}
	st.workDir = path

	pr, err := w.ports.GitHub.CanonicalPR(ctx, st.ref)
	if err != nil && !errors.Is(err, rerrors.ErrNotFound) {
		return outcomeBlocked, fmt.Errorf("pre-flight: canonical PR lookup: %w", err)
	}
	st.pr = pr

	return w.claimParentVerification(ctx, st)
}

// claimParentVerification claims any pending parent-verification marker for
// st.ref under CAS, runs the verification-only agent, and routes its
// RALPH_PARENT_VERIFY decision. No pending marker, or losing the claim race
// to another worker, both fall through to a normal outcomeAdvance.
func (w *Worker) claimParentVerification(ctx context.Context, st *runState) (stageOutcome, error) {
	state, err := w.ports.Store.ClaimParentVerification(ctx, st.ref, w.ports.Clock.Now(), w.cfg.MaxParentVerifyAttempts)
	if err != nil {
		if !errors.Is(err, rerrors.ErrNotFound) && !errors.Is(err, rerrors.ErrConflict) {
			w.ports.Logger.Warn("pre-flight: claim parent verification failed, proceeding: %v", err)
		}
		return outcomeAdvance, nil
	}

	result, err := w.ports.Session.RunAgent(ctx, st.workDir, "ralph-parent-verify", parentVerifyPrompt(st.ref), w.sessionOptions(st, StagePreflight))
	if err != nil {
		return w.handleAgentFailure(ctx, st, StagePreflight, err, nil)
	}
	st.accumulateTokens(result)
	if result.WatchdogTimeout != nil || result.StallTimeout || result.LoopTrip {
		return w.handleWatchdogBreach(ctx, st, StagePreflight, result)
	}

	decision := lanes.ParentVerification(lanes.ParentVerificationInput{
		RawOutputTail: result.Output,
		AttemptCount:  state.AttemptCount,
		MaxAttempts:   w.cfg.MaxParentVerifyAttempts,
	})
	metrics.RecordLaneOutcome("parent_verification", string(decision.Decision))

	switch decision.Decision {
	case lanes.ParentVerificationWorkRemains:
		if err := w.ports.Store.CompleteParentVerification(ctx, st.ref); err != nil {
			w.ports.Logger.Warn("pre-flight: complete parent verification failed: %v", err)
		}
		return outcomeAdvance, nil
	case lanes.ParentVerificationNoWork:
		if err := w.ports.Store.CompleteParentVerification(ctx, st.ref); err != nil {
			w.ports.Logger.Warn("pre-flight: complete parent verification failed: %v", err)
		}
		st.verifiedNoPRTerminalReason = decision.NoPRTerminalReason
		return outcomeAdvance, nil
	case lanes.ParentVerificationDeferred:
		nextAt := w.ports.Clock.Now().Add(decision.NextAttemptIn)
		if err := w.ports.Store.RecordParentVerificationAttemptFailure(ctx, st.ref, nextAt); err != nil {
			w.ports.Logger.Warn("pre-flight: record parent verification deferral failed: %v", err)
		}
		st.recoverDelay = decision.NextAttemptIn
		return outcomeRecover, nil
	default:
		return outcomeEscalate, errors.New("pre-flight: parent verification escalated after repeated unparseable attempts")
	}
}

func parentVerifyPrompt(ref ralphtask.IssueRef) string {
	return fmt.Sprintf("All child issues of %s have resolved. Verify whether %s itself still requires implementation work, or is already satisfied. End your final message with a single RALPH_PARENT_VERIFY: {\"version\":1,\"work_remains\":bool,\"reason\":\"...\",\"why_satisfied\":\"...\",\"noPrTerminalReason\":\"...\"} line.", ref.String(), ref.String())
}

// stagePlan runs the planning agent, whose prompt has it write
// .ralph/plan.md in the worktree; the stage does not check that the file
// exists. The plan is not buffered here: plan_review and build point their
// agents at the file, and handleAgentFailure reads it for the
// context-compact lane.
func (w *Worker) stagePlan(ctx context.Context, st *runState) (stageOutcome, error) {
	if w.cfg.DryRun {
		return outcomeAdvance, nil
	}

	result, err := w.runOrContinue(ctx, st, "ralph-plan", planPrompt(st.ref))
	if err != nil {
		return w.handleAgentFailure(ctx, st, StagePlan, err, nil)
	}
	if result.WatchdogTimeout != nil || result.StallTimeout || result.LoopTrip {
		return w.handleWatchdogBreach(ctx, st, StagePlan, result)
	}
	st.sessionID = result.SessionID
	return outcomeAdvance, nil
}

func planPrompt(ref ralphtask.IssueRef) string {
	return fmt.Sprintf("Draft an implementation plan for %s. Write it to .ralph/plan.md in the worktree and summarize it in your final message.", ref.String())
}

// stagePlanReview parses the RALPH_PLAN_REVIEW marker off the planning
// session's continuation output, repairing up to twice before blocking.
func (w *Worker) stagePlanReview(ctx context.Context, st *runState) (stageOutcome, error) {
	if w.cfg.DryRun {
		return outcomeAdvance, nil
	}

	prompt := "Review the plan at .ralph/plan.md against the issue. End your message with a single RALPH_PLAN_REVIEW: {\"status\":\"pass\"|\"fail\",\"reason\":\"...\"} line."
	result, err := w.runOrContinue(ctx, st, "", prompt)
	if err != nil {
		return w.handleAgentFailure(ctx, st, StagePlanReview, err, nil)
	}
	if result.WatchdogTimeout != nil || result.StallTimeout || result.LoopTrip {
		return w.handleWatchdogBreach(ctx, st, StagePlanReview, result)
	}
	st.sessionID = result.SessionID

	marker, ok := parseReviewMarker(result.Output, "RALPH_PLAN_REVIEW")
	if !ok {
		return w.repairMarker(ctx, st, ralphtask.GatePlanReview, "RALPH_PLAN_REVIEW")
	}
	if marker.Status != "pass" {
		return outcomeBlocked, fmt.Errorf("plan_review: %s", marker.Reason)
	}
	return outcomeAdvance, nil
}

// stageBuild runs the implementation agent and requires a terminal
// RALPH_BUILD_EVIDENCE marker before advancing.
func (w *Worker) stageBuild(ctx context.Context, st *runState) (stageOutcome, error) {
	if w.cfg.DryRun {
		return outcomeAdvance, nil
	}

	prompt := "Implement the plan at .ralph/plan.md. Run the repository's own verification commands before finishing. End your final message with a single RALPH_BUILD_EVIDENCE: {...} line."
	result, err := w.runOrContinue(ctx, st, "ralph-build", prompt)
	if err != nil {
		return w.handleAgentFailure(ctx, st, StageBuild, err, nil)
	}
	if result.WatchdogTimeout != nil || result.StallTimeout || result.LoopTrip {
		return w.handleWatchdogBreach(ctx, st, StageBuild, result)
	}
	st.sessionID = result.SessionID

	marker, ok := parseBuildEvidenceMarker(result.Output)
	if !ok {
		return w.repairBuildEvidence(ctx, st)
	}
	if !marker.ReadyForPRCreate {
		return outcomeBlocked, fmt.Errorf("build: agent reported not ready for pr_create: %s", marker.Preflight.Summary)
	}
	st.buildMarker = &marker
	return outcomeAdvance, nil
}

func (w *Worker) repairBuildEvidence(ctx context.Context, st *runState) (stageOutcome, error) {
	result, err := w.ports.Session.ContinueSession(ctx, st.workDir, st.sessionID, repairPrompt("RALPH_BUILD_EVIDENCE"), w.sessionOptions(st, StageBuild))
	if err != nil {
		return w.handleAgentFailure(ctx, st, StageBuild, err, nil)
	}
	st.accumulateTokens(result)
	marker, ok := parseBuildEvidenceMarker(result.Output)
	if !ok {
		return outcomeBlocked, rerrors.WithKind(rerrors.KindMarkerParse, errors.New("build: RALPH_BUILD_EVIDENCE marker missing after repair"))
	}
	st.buildMarker = &marker
	return outcomeAdvance, nil
}

// stageReview handles both product_review and devex_review: each spawns a
// fresh read-only review session against the diff and expects a
// RALPH_REVIEW marker.
func (w *Worker) stageReview(ctx context.Context, st *runState, gate ralphtask.GateName) (stageOutcome, error) {
	if w.cfg.DryRun {
		return outcomeAdvance, nil
	}

	if err := w.ports.Git.FetchOrigin(ctx, st.workDir, "origin"); err != nil {
		return outcomeBlocked, fmt.Errorf("%s: fetch origin: %w", gate, err)
	}
	diffStat, err := w.ports.Git.DiffStat(ctx, st.workDir, "origin/HEAD...HEAD")
	if err != nil {
		return outcomeBlocked, fmt.Errorf("%s: diffstat: %w", gate, err)
	}
	diff, err := w.ports.Git.Diff(ctx, st.workDir, "origin/HEAD...HEAD")
	if err != nil {
		return outcomeBlocked, fmt.Errorf("%s: diff: %w", gate, err)
	}
	st.changedPaths = changedPathsFromStat(diffStat)

	agentName, markerPrefix := "ralph-product-review", "RALPH_REVIEW"
	if gate == ralphtask.GateDevexReview {
		agentName = "ralph-devex-review"
	}
	prompt := fmt.Sprintf("Review this diff.\n\n```diff\n%s\n```\n\nEnd your final message with a single %s: {\"status\":\"pass\"|\"fail\",\"reason\":\"...\"} line.", diff, markerPrefix)

	result, err := w.ports.Session.RunAgent(ctx, st.workDir, agentName, prompt, w.sessionOptions(st, stageForGate(gate)))
	if err != nil {
		return w.handleAgentFailure(ctx, st, stageForGate(gate), err, nil)
	}
	st.accumulateTokens(result)
	if result.WatchdogTimeout != nil || result.StallTimeout || result.LoopTrip {
		return w.handleWatchdogBreach(ctx, st, stageForGate(gate), result)
	}

	marker, ok := parseReviewMarker(result.Output, markerPrefix)
	if !ok {
		return w.repairReviewMarker(ctx, st, gate, result.SessionID, markerPrefix)
	}
	if marker.Status != "pass" {
		return outcomeBlocked, fmt.Errorf("%s: %s", gate, marker.Reason)
	}
	return outcomeAdvance, nil
}

func (w *Worker) repairReviewMarker(ctx context.Context, st *runState, gate ralphtask.GateName, sessionID, markerPrefix string) (stageOutcome, error) {
	st.reviewRepairAttempts[gate]++
	if st.reviewRepairAttempts[gate] > 2 {
		return outcomeBlocked, rerrors.WithKind(rerrors.KindMarkerParse, fmt.Errorf("%s: marker missing after two repair attempts", gate))
	}
	result, err := w.ports.Session.ContinueSession(ctx, st.workDir, sessionID, repairPrompt(markerPrefix), w.sessionOptions(st, stageForGate(gate)))
	if err != nil {
		return w.handleAgentFailure(ctx, st, stageForGate(gate), err, nil)
	}
	st.accumulateTokens(result)
	marker, ok := parseReviewMarker(result.Output, markerPrefix)
	if !ok {
		return w.repairReviewMarker(ctx, st, gate, result.SessionID, markerPrefix)
	}
	if marker.Status != "pass" {
		return outcomeBlocked, fmt.Errorf("%s: %s", gate, marker.Reason)
	}
	return outcomeAdvance, nil
}

func (w *Worker) repairMarker(ctx context.Context, st *runState, gate ralphtask.GateName, markerPrefix string) (stageOutcome, error) {
	return w.repairReviewMarker(ctx, st, gate, st.sessionID, markerPrefix)
}

func stageForGate(gate ralphtask.GateName) Stage {
	switch gate {
	case ralphtask.GateProductReview:
		return StageProductReview
	case ralphtask.GateDevexReview:
		return StageDevexReview
	case ralphtask.GatePlanReview:
		return StagePlanReview
	default:
		return StageEntry
	}
}

func changedPathsFromStat(diffStat string) []string {
	var paths []string
	for _, line := range strings.Split(diffStat, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if idx := strings.Index(name, "|"); idx > 0 {
			name = strings.TrimSpace(name[:idx])
		}
		if name != "" && !strings.Contains(name, "changed") {
			paths = append(paths, name)
		}
	}
	return paths
}

// stagePRCreate opens the pull request under a deterministic idempotency
// key so a cross-worker race results in exactly one PR, even if two workers
// both believe they must create it.
func (w *Worker) stagePRCreate(ctx context.Context, st *runState) (stageOutcome, error) {
	if st.pr != nil {
		return outcomeAdvance, nil
	}
	if w.cfg.DryRun {
		return outcomeAdvance, nil
	}
	if st.buildMarker == nil {
		return outcomeEscalate, errors.New("pr_create: no build evidence recorded")
	}

	key := prCreateIdempotencyKey(st.ref, st.buildMarker.Branch)
	pr, err := w.ports.GitHub.CreatePR(ctx, CreatePRRequest{
		IssueRef: st.ref,
		Branch:   st.buildMarker.Branch,
		Base:     st.buildMarker.Base,
		Title:    fmt.Sprintf("Resolve %s", st.ref.String()),
		Body:     fmt.Sprintf("Closes %s.\n\nHead: `%s`", st.ref.String(), st.buildMarker.HeadSHA),
	}, key)
	if err != nil {
		return w.classifyPRCreateFailure(ctx, st, err)
	}
	st.pr = pr
	return outcomeAdvance, nil
}

func prCreateIdempotencyKey(ref ralphtask.IssueRef, branch string) string {
	id := lanes.MarkerID(ref.Repo, fmt.Sprintf("%d", ref.Number), branch)
	return "pr-create:" + id
}

func (w *Worker) classifyPRCreateFailure(ctx context.Context, st *runState, err error) (stageOutcome, error) {
	kind, _ := rerrors.KindOf(err)
	switch kind {
	case rerrors.KindRateLimited, rerrors.KindTransientNetwork:
		st.prCreateLeaseAttempts++
		if st.prCreateLeaseAttempts > 5 {
			return outcomeEscalate, fmt.Errorf("pr_create: exhausted retries: %w", err)
		}
		st.recoverDelay = nextBackoff(&st.prCreateBackoff)
		return outcomeRecover, err
	case rerrors.KindPermissionDenied:
		return outcomeBlocked, fmt.Errorf("pr_create: permission denied: %w", err)
	default:
		// A cross-worker race may have already created the PR under the
		// same idempotency key; re-resolve the canonical PR before giving
		// up.
		pr, lookupErr := w.ports.GitHub.CanonicalPR(ctx, st.ref)
		if lookupErr == nil && pr != nil {
			st.pr = pr
			return outcomeAdvance, nil
		}
		return outcomeBlocked, fmt.Errorf("pr_create: %w", err)
	}
}

// stageCIWait polls required checks with exponential backoff until they
// settle, dispatching into the merge-conflict or CI-triage lane when the
// polled state demands it.
func (w *Worker) stageCIWait(ctx context.Context, st *runState) (stageOutcome, error) {
	if w.cfg.DryRun || st.pr == nil {
		return outcomeAdvance, nil
	}

	checks, err := w.ports.GitHub.RequiredChecks(ctx, st.ref, st.pr.Number)
	if err != nil {
		return outcomeBlocked, fmt.Errorf("ci_wait: required checks: %w", err)
	}

	switch checks.Status {
	case "success":
		st.ciPollAttempts = 0
		st.ciBackoff = nil
		return outcomeAdvance, nil
	case "pending":
		st.ciPollAttempts++
		st.recoverDelay = nextBackoff(&st.ciBackoff)
		return outcomeRecover, nil
	default:
		return w.triageCI(ctx, st, checks)
	}
}

// newPollBackoff is the required-checks and pr_create retry interval:
// doubling from 2s up to a 120s cap, jittered +/-20% so a fleet of workers
// polling the same repo doesn't thunder in lockstep. It never gives up on
// elapsed time; the caller's own attempt counters decide when to stop
// retrying and escalate instead.
func newPollBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(2*time.Second),
		backoff.WithMaxInterval(120*time.Second),
		backoff.WithMultiplier(2.0),
		backoff.WithRandomizationFactor(0.2),
		backoff.WithMaxElapsedTime(0),
	)
}

// nextBackoff lazily creates *b on first use and returns its next interval,
// so the delay keeps growing across repeated recover outcomes within the
// same run instead of restarting from the base interval every poll.
func nextBackoff(b **backoff.ExponentialBackOff) time.Duration {
	if *b == nil {
		*b = newPollBackoff()
	}
	d := (*b).NextBackOff()
	if d == backoff.Stop {
		d = 120 * time.Second
	}
	return d
}

func (w *Worker) triageCI(ctx context.Context, st *runState, checks *ChecksSnapshot) (stageOutcome, error) {
	if st.pr.State == "dirty" {
		return w.dispatchMergeConflict(ctx, st)
	}

	failures := make([]lanes.CheckFailure, 0, len(checks.Checks))
	for _, c := range checks.Checks {
		if c.State == "failure" || c.State == "timeout" {
			failures = append(failures, lanes.CheckFailure{Name: c.Name, Excerpt: c.Excerpt})
		}
	}

	st.ciTriageAttempts++
	decision := lanes.CITriage(lanes.CITriageInput{
		IssueRef:        st.ref,
		PRNumber:        st.pr.Number,
		HasPriorSession: st.sessionID != "",
		TimedOut:        checks.TimedOut,
		Checks:          failures,
		PriorSignature:  st.priorCISignature,
		PriorExcerpt:    st.priorCIExcerpt,
		AttemptCount:    st.ciTriageAttempts,
		MaxAttempts:     w.cfg.MaxCITriageAttempts,
	})
	st.priorCISignature = decision.Signature
	st.priorCIExcerpt = currentCIExcerpt(failures)
	metrics.RecordLaneOutcome("ci_triage", string(decision.Decision))

	if _, err := w.ports.GitHub.UpsertMarkedComment(ctx, st.ref, decision.Comment); err != nil {
		w.ports.Logger.Warn("ci_wait: upsert triage comment failed: %v", err)
	}

	switch decision.Decision {
	case lanes.CITriageSpawn, lanes.CITriageResume:
		result, err := w.runOrContinue(ctx, st, "ralph-ci-fix", ciFixPrompt(checks))
		if err != nil {
			return w.handleAgentFailure(ctx, st, StageCIWait, err, nil)
		}
		if result.WatchdogTimeout != nil || result.StallTimeout || result.LoopTrip {
			return w.handleWatchdogBreach(ctx, st, StageCIWait, result)
		}
		st.sessionID = result.SessionID
		return outcomeRecover, nil
	case lanes.CITriageQuarantine:
		if decision.FollowUpIssue {
			_, _ = w.ports.GitHub.OpenFollowUpIssue(ctx, st.ref, "CI keeps failing the same way on "+st.ref.String(), decision.Comment.Body)
		}
		return outcomeBlocked, fmt.Errorf("ci_wait: quarantined after repeated identical CI failure, backoff %s", decision.Backoff)
	default:
		return outcomeEscalate, fmt.Errorf("ci_wait: escalated after %d attempts", st.ciTriageAttempts)
	}
}

func currentCIExcerpt(failures []lanes.CheckFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, lanes.NormalizeExcerpt(f.Excerpt))
	}
	return strings.Join(parts, "\n---\n")
}

func ciFixPrompt(checks *ChecksSnapshot) string {
	var b strings.Builder
	b.WriteString("The following required checks are failing. Fix the underlying issue, push, and summarize your fix.\n\n")
	for _, c := range checks.Checks {
		fmt.Fprintf(&b, "- %s: %s\n  %s\n", c.Name, c.State, c.Excerpt)
	}
	return b.String()
}

func (w *Worker) dispatchMergeConflict(ctx context.Context, st *runState) (stageOutcome, error) {
	attempted := st.mergeConflictAttempts > 0
	decision := lanes.MergeConflict(lanes.MergeConflictInput{
		IssueRef:   st.ref,
		Attempted:  attempted,
		RetryCount: st.mergeConflictAttempts,
		MaxRetries: w.cfg.MaxMergeConflictRetries,
	})
	st.mergeConflictAttempts++
	metrics.RecordLaneOutcome("merge_conflict", string(decision.Decision))

	if decision.Decision == lanes.MergeConflictEscalate {
		return outcomeEscalate, fmt.Errorf("ci_wait: merge conflict escalated (%s)", decision.Class)
	}

	result, err := w.runOrContinue(ctx, st, "ralph-build", decision.Prompt)
	if err != nil {
		return w.handleAgentFailure(ctx, st, StageCIWait, err, nil)
	}
	if result.WatchdogTimeout != nil || result.StallTimeout || result.LoopTrip {
		return w.handleWatchdogBreach(ctx, st, StageCIWait, result)
	}
	st.sessionID = result.SessionID
	if err := w.ports.Git.Push(ctx, st.workDir, st.pr.Branch); err != nil {
		w.ports.Logger.Warn("ci_wait: push after conflict resume failed, will re-poll: %v", err)
	}
	return outcomeRecover, nil
}

// stageMerge re-checks the PR is current, enforces repo-capability
// policy, and merges.
func (w *Worker) stageMerge(ctx context.Context, st *runState) (stageOutcome, error) {
	if w.cfg.DryRun || st.pr == nil {
		return outcomeAdvance, nil
	}

	if st.pr.State == "behind" {
		if err := w.ports.GitHub.UpdateBranch(ctx, st.ref, st.pr.Number); err != nil {
			return outcomeBlocked, fmt.Errorf("merge: update branch: %w", err)
		}
		return outcomeRecover, nil
	}

	if reason := capabilityDenied(st.repoCfg, st.pr, st.issueLabels, st.changedPaths); reason != "" {
		return outcomeBlocked, rerrors.WithKind(rerrors.KindPolicyDenied, errors.New("merge: "+reason))
	}

	if err := w.ports.Git.MergeNoEdit(ctx, st.workDir, st.pr.Branch); err != nil {
		return outcomeBlocked, fmt.Errorf("merge: %w", err)
	}
	return outcomeAdvance, nil
}

// stagePREvidence is the final gate: a run only completes successfully with
// a PR URL on record, or a recognized no-PR terminal reason.
func (w *Worker) stagePREvidence(ctx context.Context, st *runState) (stageOutcome, error) {
	prURL := ""
	if st.pr != nil {
		prURL = st.pr.URL
	}

	evidence := lanes.PREvidence(lanes.PREvidenceInput{
		PRUrl:                      prURL,
		VerifiedNoPRTerminalReason: st.verifiedNoPRTerminalReason,
		WorktreeBranchMissing:      st.workDir == "",
	})

	switch evidence.Decision {
	case lanes.PREvidencePass:
		st.gateOverride = &ralphtask.GateResult{Gate: ralphtask.GatePREvidence, Status: ralphtask.GatePass, PRUrl: prURL}
		return outcomeAdvance, nil
	case lanes.PREvidenceSkip:
		st.gateOverride = &ralphtask.GateResult{
			Gate:       ralphtask.GatePREvidence,
			Status:     ralphtask.GateSkipped,
			SkipReason: strings.ToLower(st.verifiedNoPRTerminalReason),
		}
		return outcomeAdvance, nil
	default:
		err := fmt.Errorf("pr_evidence: %s", evidence.CauseCode)
		st.gateOverride = &ralphtask.GateResult{
			Gate:       ralphtask.GatePREvidence,
			Status:     ralphtask.GateFail,
			Reason:     err.Error(),
			SkipReason: "missing pr_url",
		}
		_ = w.ports.Store.RecordGateArtifact(ctx, &ralphtask.GateArtifact{
			RunID:   st.run.RunID,
			Gate:    ralphtask.GatePREvidence,
			Kind:    ralphtask.ArtifactNote,
			Content: "PR_EVIDENCE_CAUSE_CODE=" + string(evidence.CauseCode),
		})
		return outcomeEscalate, rerrors.WithKind(rerrors.KindPREvidenceMissing, err)
	}
}

// stageDone releases the session handle, resets the task's watchdog and
// stall retry counters, and best-effort deletes the worker-managed branch
// once it has merged into the default branch.
func (w *Worker) stageDone(ctx context.Context, st *runState) (stageOutcome, error) {
	st.sessionID = ""
	st.task.WatchdogRetries = 0
	st.task.StallRetries = 0
	if st.pr != nil && st.pr.State == "merged" && st.pr.SameRepo {
		_ = w.ports.GitHub.DeleteBranch(ctx, st.ref, st.pr.Branch)
	}
	return outcomeDone, nil
}

func (w *Worker) runOrContinue(ctx context.Context, st *runState, agentName, prompt string) (*sessionadapter.Result, error) {
	opts := w.sessionOptions(st, StageBuild)
	if st.sessionID == "" {
		if agentName == "" {
			agentName = "ralph-build"
		}
		result, err := w.ports.Session.RunAgent(ctx, st.workDir, agentName, prompt, opts)
		st.accumulateTokens(result)
		return result, err
	}

	nudgeID := ""
	if nudge, err := w.ports.Store.PeekNudge(ctx, st.sessionID); err == nil {
		nudgeID = nudge.ID
		prompt = prompt + "\n\nOperator nudge: " + nudge.Message
	}

	result, err := w.ports.Session.ContinueSession(ctx, st.workDir, st.sessionID, prompt, opts)
	st.accumulateTokens(result)
	if nudgeID != "" {
		// Head-of-line blocking: a failed delivery leaves the nudge at
		// the front of the queue so the same message is retried on the
		// stage's next continuation rather than skipped.
		if err != nil {
			_ = w.ports.Store.FailNudge(ctx, st.sessionID, nudgeID)
		} else {
			_ = w.ports.Store.CompleteNudge(ctx, st.sessionID, nudgeID)
		}
	}
	return result, err
}

// handleAgentFailure routes a context_length_exceeded failure into the
// context-compact lane and everything else straight to blocked.
func (w *Worker) handleAgentFailure(ctx context.Context, st *runState, stage Stage, err error, planContent *string) (stageOutcome, error) {
	kind, _ := rerrors.KindOf(err)
	if kind != rerrors.KindContextExceeded {
		return outcomeBlocked, fmt.Errorf("%s: %w", stage, err)
	}

	plan := ""
	if planContent != nil {
		plan = *planContent
	} else if st.workDir != "" {
		if b, readErr := os.ReadFile(filepath.Join(st.workDir, ".ralph", "plan.md")); readErr == nil {
			plan = string(b)
		}
	}
	gitStatus, _ := w.ports.Git.StatusPorcelain(ctx, st.workDir)

	decision := lanes.ContextCompact(lanes.ContextCompactInput{
		AlreadyAttempted:   st.task.BlockedSource == contextCompactMarker(stage),
		PlanFileContent:    plan,
		GitStatusPorcelain: gitStatus,
	})
	if decision.Decision == lanes.ContextCompactPropagate {
		return outcomeBlocked, fmt.Errorf("%s: context exceeded, already attempted compact", stage)
	}

	st.task.BlockedSource = contextCompactMarker(stage)
	result, runErr := w.ports.Session.ContinueSession(ctx, st.workDir, st.sessionID, decision.ResumePrompt, w.sessionOptions(st, stage))
	if runErr != nil {
		return outcomeBlocked, fmt.Errorf("%s: context compact retry failed: %w", stage, runErr)
	}
	st.accumulateTokens(result)
	st.sessionID = result.SessionID
	return outcomeRecover, nil
}

func contextCompactMarker(stage Stage) string {
	return "context-compact:" + string(stage)
}

// handleWatchdogBreach dispatches a timed-out or looping agent call into
// the watchdog lane.
func (w *Worker) handleWatchdogBreach(ctx context.Context, st *runState, stage Stage, result *sessionadapter.Result) (stageOutcome, error) {
	source := "tool-watchdog"
	if result.WatchdogTimeout != nil {
		source = result.WatchdogTimeout.Source
	} else if result.StallTimeout {
		source = "stall-timeout"
	} else if result.LoopTrip {
		source = "loop-trip"
	}

	decision := lanes.Watchdog(lanes.WatchdogInput{
		IssueRef:       st.ref,
		Stage:          string(stage),
		Source:         source,
		RetryCount:     st.task.WatchdogRetries,
		PriorSignature: st.priorWatchdogSignature,
	})
	st.priorWatchdogSignature = decision.Signature
	metrics.RecordLaneOutcome("watchdog", string(decision.Decision))

	if _, err := w.ports.GitHub.UpsertMarkedComment(ctx, st.ref, decision.Comment); err != nil {
		w.ports.Logger.Warn("watchdog: upsert comment failed: %v", err)
	}

	if decision.Decision == lanes.WatchdogEscalate {
		if w.ports.StallGuard != nil {
			repo := fmt.Sprintf("%s/%s", st.ref.Owner, st.ref.Repo)
			w.ports.StallGuard.RecordEscalation(ctx, repo, source)
		}
		return outcomeEscalate, fmt.Errorf("%s: watchdog escalated (source=%s)", stage, source)
	}
	st.task.WatchdogRetries++
	st.sessionID = ""
	return outcomeRecover, nil
}

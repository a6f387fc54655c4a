package lanes

import (
	"fmt"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// WatchdogDecision is the action to take on a watchdog/stall breach.
type WatchdogDecision string

const (
	WatchdogRequeue  WatchdogDecision = "requeue"
	WatchdogEscalate WatchdogDecision = "escalate"
)

// WatchdogInput describes one breach as observed by the session adapter.
type WatchdogInput struct {
	IssueRef ralphtask.IssueRef

	Stage       string
	Source      string // session.abort | session.abort-failed->kill-fallback | tool-watchdog
	ToolName    string
	ArgsPreview string

	// RetryCount is the task's already-recorded watchdog/stall retry
	// counter, before this breach.
	RetryCount int

	// PriorSignature is the signature recorded on the prior breach for
	// this session, or zero if this is the session's first breach.
	PriorSignature uint64

	// RecentIdenticalToolCalls counts identical tool invocations in the
	// adapter's recent-events window.
	RecentIdenticalToolCalls int
}

// WatchdogOutput is the decision plus the stuck/escalation comment to
// upsert.
type WatchdogOutput struct {
	Decision  WatchdogDecision
	Signature uint64
	Comment   CommentPlan
}

// Watchdog decides whether a timeout requeues the task (bumping its retry
// counter) or escalates. A second timeout on the same task always
// escalates; a first timeout escalates early, skipping the requeue, when
// the recent-events window shows an obvious loop or repeats the signature
// of whatever caused the prior breach on this session.
func Watchdog(in WatchdogInput) WatchdogOutput {
	sig := WatchdogSignatureV2(in.Stage, in.Source, in.ToolName, in.ArgsPreview)

	var decision WatchdogDecision
	switch {
	case in.RetryCount == 0 && (in.RecentIdenticalToolCalls >= 3 || (in.PriorSignature != 0 && in.PriorSignature == sig)):
		decision = WatchdogEscalate
	case in.RetryCount >= 1:
		decision = WatchdogEscalate
	default:
		decision = WatchdogRequeue
	}

	kind := "watchdog-stuck"
	body := fmt.Sprintf("Watchdog timeout at stage `%s` (source `%s`, tool `%s`); requeuing.", in.Stage, in.Source, in.ToolName)
	if decision == WatchdogEscalate {
		kind = "watchdog-escalation"
		body = fmt.Sprintf("Watchdog escalated at stage `%s` (source `%s`, tool `%s`) after repeated timeout.", in.Stage, in.Source, in.ToolName)
	}

	id := MarkerID(in.IssueRef.Repo, itoaPR(in.IssueRef.Number))
	state := MarkerState{Signature: sig, AttemptCount: in.RetryCount + 1, LastAction: string(decision)}

	return WatchdogOutput{
		Decision:  decision,
		Signature: sig,
		Comment:   CommentPlan{Kind: kind, ID: id, Body: BuildMarkerComment(kind, id, state, body)},
	}
}

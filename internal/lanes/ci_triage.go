package lanes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// CITriageDecision is the action the worker takes in response to a
// required-check failure or timeout on an open PR.
type CITriageDecision string

const (
	CITriageSpawn      CITriageDecision = "spawn"
	CITriageResume     CITriageDecision = "resume"
	CITriageQuarantine CITriageDecision = "quarantine"
	CITriageEscalate   CITriageDecision = "escalate"
)

// CITriageInput is the observed CI state plus whatever the prior attempt
// (if any) recorded in its marker comment.
type CITriageInput struct {
	IssueRef ralphtask.IssueRef
	PRNumber int

	HasPriorSession bool
	TimedOut        bool
	Checks          []CheckFailure

	PriorSignature uint64 // zero value if HasPriorSession is false
	PriorExcerpt   string // normalized excerpt from the prior attempt, diagnostic only

	AttemptCount int
	MaxAttempts  int
}

// CITriageOutput is the decision plus the comment to upsert and, for
// quarantine, the throttle to apply.
type CITriageOutput struct {
	Decision      CITriageDecision
	Signature     uint64
	Comment       CommentPlan
	Backoff       time.Duration
	FollowUpIssue bool
}

// CITriage classifies a CI failure and decides spawn/resume/quarantine/
// escalate per the failure-signature-v3 comparison against the prior
// attempt.
func CITriage(in CITriageInput) CITriageOutput {
	sig := CITriageSignatureV3(in.TimedOut, in.Checks)

	var decision CITriageDecision
	switch {
	case in.AttemptCount > in.MaxAttempts:
		decision = CITriageEscalate
	case !in.HasPriorSession:
		decision = CITriageSpawn
	case sig == in.PriorSignature:
		decision = CITriageQuarantine
	default:
		decision = CITriageResume
	}

	id := MarkerID(in.IssueRef.Repo, itoaPR(in.IssueRef.Number))
	state := MarkerState{Signature: sig, AttemptCount: in.AttemptCount, LastAction: string(decision)}
	body := buildCITriageBody(in, sig, decision)

	out := CITriageOutput{
		Decision:  decision,
		Signature: sig,
		Comment:   CommentPlan{Kind: "ci-triage", ID: id, Body: BuildMarkerComment("ci-triage", id, state, body)},
	}
	if decision == CITriageQuarantine {
		out.Backoff = quarantineBackoff(in.AttemptCount, sig)
		out.FollowUpIssue = true
	}
	return out
}

func buildCITriageBody(in CITriageInput, sig uint64, decision CITriageDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CI triage: **%s** (attempt %d/%d)\n", decision, in.AttemptCount, in.MaxAttempts)

	names := make([]string, 0, len(in.Checks))
	for _, c := range in.Checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&b, "- `%s`\n", n)
	}

	if decision == CITriageResume && in.PriorExcerpt != "" {
		b.WriteString("\nChanged since the last attempt:\n```\n")
		b.WriteString(ExcerptDiffSummary(in.PriorExcerpt, currentExcerpt(in.Checks)))
		b.WriteString("\n```\n")
	}
	if decision == CITriageQuarantine {
		b.WriteString("\nSame failure repeated; throttling further attempts and opening a follow-up issue.\n")
	}
	return b.String()
}

func currentExcerpt(checks []CheckFailure) string {
	sorted := append([]CheckFailure(nil), checks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	parts := make([]string, 0, len(sorted))
	for _, c := range sorted {
		parts = append(parts, NormalizeExcerpt(c.Excerpt))
	}
	return strings.Join(parts, "\n---\n")
}

func itoaPR(n int) string {
	return fmt.Sprintf("%d", n)
}

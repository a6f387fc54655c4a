package lanes

// PREvidenceDecision is the final gate outcome recorded before a run's
// outcome becomes success.
type PREvidenceDecision string

const (
	PREvidencePass PREvidenceDecision = "pass"
	PREvidenceSkip PREvidenceDecision = "skip"
	PREvidenceFail PREvidenceDecision = "fail"
)

// PREvidenceCauseCode classifies why evidence was missing when the gate
// fails, recorded as a gate artifact.
type PREvidenceCauseCode string

const (
	CausePolicyDenied     PREvidenceCauseCode = "POLICY_DENIED"
	CauseLeaseStale       PREvidenceCauseCode = "LEASE_STALE"
	CauseNoWorktreeBranch PREvidenceCauseCode = "NO_WORKTREE_BRANCH"
	CauseUnknown          PREvidenceCauseCode = "UNKNOWN"
)

// PREvidenceInput is everything the gate needs to judge one run.
type PREvidenceInput struct {
	PRUrl string

	// VerifiedNoPRTerminalReason is set when parent-verification (or an
	// equivalent check) completed with a recognized no-PR terminal reason.
	VerifiedNoPRTerminalReason string

	PolicyDenied          bool
	LeaseStale            bool
	WorktreeBranchMissing bool
}

// PREvidenceOutput is the gate's verdict and, on failure, the cause code to
// attach to the gate artifact.
type PREvidenceOutput struct {
	Decision  PREvidenceDecision
	CauseCode PREvidenceCauseCode
}

// PREvidence is the final gate before recording outcome=success on any
// issue-linked run: a PR URL must be present, or the run must have a
// recognized no-PR terminal reason; otherwise the outcome converts to
// escalated.
func PREvidence(in PREvidenceInput) PREvidenceOutput {
	if in.PRUrl != "" {
		return PREvidenceOutput{Decision: PREvidencePass}
	}
	if recognizedNoPRTerminalReasons[in.VerifiedNoPRTerminalReason] {
		return PREvidenceOutput{Decision: PREvidenceSkip}
	}

	cause := CauseUnknown
	switch {
	case in.PolicyDenied:
		cause = CausePolicyDenied
	case in.LeaseStale:
		cause = CauseLeaseStale
	case in.WorktreeBranchMissing:
		cause = CauseNoWorktreeBranch
	}
	return PREvidenceOutput{Decision: PREvidenceFail, CauseCode: cause}
}

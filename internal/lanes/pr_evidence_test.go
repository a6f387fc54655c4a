package lanes

import "testing"

func TestPREvidencePassesWithURL(t *testing.T) {
	out := PREvidence(PREvidenceInput{PRUrl: "https://github.com/acme/widgets/pull/9"})
	if out.Decision != PREvidencePass {
		t.Fatalf("expected pass, got %s", out.Decision)
	}
}

func TestPREvidenceSkipsOnRecognizedNoPRReason(t *testing.T) {
	out := PREvidence(PREvidenceInput{VerifiedNoPRTerminalReason: "PARENT_VERIFICATION_NO_PR"})
	if out.Decision != PREvidenceSkip {
		t.Fatalf("expected skip, got %s", out.Decision)
	}
}

func TestPREvidenceFailsAndClassifiesCause(t *testing.T) {
	cases := []struct {
		name  string
		in    PREvidenceInput
		cause PREvidenceCauseCode
	}{
		{"policy", PREvidenceInput{PolicyDenied: true}, CausePolicyDenied},
		{"lease", PREvidenceInput{LeaseStale: true}, CauseLeaseStale},
		{"worktree", PREvidenceInput{WorktreeBranchMissing: true}, CauseNoWorktreeBranch},
		{"unknown", PREvidenceInput{}, CauseUnknown},
	}
	for _, tc := range cases {
		out := PREvidence(tc.in)
		if out.Decision != PREvidenceFail {
			t.Fatalf("%s: expected fail, got %s", tc.name, out.Decision)
		}
		if out.CauseCode != tc.cause {
			t.Fatalf("%s: expected cause %s, got %s", tc.name, tc.cause, out.CauseCode)
		}
	}
}

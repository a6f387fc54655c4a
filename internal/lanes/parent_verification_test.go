package lanes

import "testing"

func TestParentVerificationWorkRemains(t *testing.T) {
	out := ParentVerification(ParentVerificationInput{
		RawOutputTail: "some agent chatter\nRALPH_PARENT_VERIFY: {\"version\":1,\"work_remains\":true,\"reason\":\"child PR not merged\"}",
		MaxAttempts:   3,
	})
	if out.Decision != ParentVerificationWorkRemains {
		t.Fatalf("expected work_remains, got %s", out.Decision)
	}
}

func TestParentVerificationNoWorkWithRecognizedReason(t *testing.T) {
	out := ParentVerification(ParentVerificationInput{
		RawOutputTail: `RALPH_PARENT_VERIFY: {"version":1,"work_remains":false,"noPrTerminalReason":"ISSUE_CLOSED_UPSTREAM"}`,
		MaxAttempts:   3,
	})
	if out.Decision != ParentVerificationNoWork {
		t.Fatalf("expected no_work, got %s", out.Decision)
	}
	if out.NoPRTerminalReason != "ISSUE_CLOSED_UPSTREAM" {
		t.Fatalf("expected the terminal reason to pass through, got %q", out.NoPRTerminalReason)
	}
}

func TestParentVerificationDefersOnUnrecognizedReason(t *testing.T) {
	out := ParentVerification(ParentVerificationInput{
		RawOutputTail: `RALPH_PARENT_VERIFY: {"version":1,"work_remains":false,"noPrTerminalReason":"SOMETHING_ELSE"}`,
		AttemptCount:  0,
		MaxAttempts:   3,
	})
	if out.Decision != ParentVerificationDeferred {
		t.Fatalf("expected deferred for an unrecognized no-PR reason, got %s", out.Decision)
	}
	if out.NextAttemptIn <= 0 {
		t.Fatalf("expected a positive backoff on deferral")
	}
}

func TestParentVerificationDefersOnParseFailure(t *testing.T) {
	out := ParentVerification(ParentVerificationInput{
		RawOutputTail: "no marker here at all",
		AttemptCount:  1,
		MaxAttempts:   3,
	})
	if out.Decision != ParentVerificationDeferred {
		t.Fatalf("expected deferred on a marker parse failure, got %s", out.Decision)
	}
}

func TestParentVerificationEscalatesPastMaxAttempts(t *testing.T) {
	out := ParentVerification(ParentVerificationInput{
		RawOutputTail: "no marker here at all",
		AttemptCount:  3,
		MaxAttempts:   3,
	})
	if out.Decision != ParentVerificationEscalate {
		t.Fatalf("expected escalate past max attempts, got %s", out.Decision)
	}
}

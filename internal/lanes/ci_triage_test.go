package lanes

import (
	"testing"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

func TestCITriageSpawnsWithoutPriorSession(t *testing.T) {
	out := CITriage(CITriageInput{
		IssueRef:     ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 7},
		Checks:       []CheckFailure{{Name: "test", Excerpt: "FAIL TestFoo"}},
		MaxAttempts:  5,
		AttemptCount: 1,
	})
	if out.Decision != CITriageSpawn {
		t.Fatalf("expected spawn, got %s", out.Decision)
	}
}

func TestCITriageResumesOnChangedSignature(t *testing.T) {
	prior := CITriageSignatureV3(false, []CheckFailure{{Name: "test", Excerpt: "FAIL TestFoo"}})
	out := CITriage(CITriageInput{
		IssueRef:        ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 7},
		HasPriorSession: true,
		Checks:          []CheckFailure{{Name: "test", Excerpt: "FAIL TestBar"}},
		PriorSignature:  prior,
		MaxAttempts:     5,
		AttemptCount:    2,
	})
	if out.Decision != CITriageResume {
		t.Fatalf("expected resume, got %s", out.Decision)
	}
}

func TestCITriageQuarantinesOnRepeatedSignature(t *testing.T) {
	checks := []CheckFailure{{Name: "test", Excerpt: "FAIL TestFoo"}}
	sig := CITriageSignatureV3(false, checks)
	out := CITriage(CITriageInput{
		IssueRef:        ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 7},
		HasPriorSession: true,
		Checks:          checks,
		PriorSignature:  sig,
		MaxAttempts:     5,
		AttemptCount:    2,
	})
	if out.Decision != CITriageQuarantine {
		t.Fatalf("expected quarantine, got %s", out.Decision)
	}
	if !out.FollowUpIssue {
		t.Fatalf("expected quarantine to request a follow-up issue")
	}
	if out.Backoff <= 0 {
		t.Fatalf("expected a positive backoff on quarantine")
	}
}

func TestCITriageEscalatesPastMaxAttempts(t *testing.T) {
	out := CITriage(CITriageInput{
		IssueRef:        ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 7},
		HasPriorSession: true,
		Checks:          []CheckFailure{{Name: "test", Excerpt: "FAIL TestFoo"}},
		MaxAttempts:     3,
		AttemptCount:    4,
	})
	if out.Decision != CITriageEscalate {
		t.Fatalf("expected escalate, got %s", out.Decision)
	}
}

func TestCITriageCommentIsMarkedAndParseable(t *testing.T) {
	checks := []CheckFailure{{Name: "test", Excerpt: "FAIL TestFoo"}}
	out := CITriage(CITriageInput{
		IssueRef:     ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 7},
		Checks:       checks,
		MaxAttempts:  5,
		AttemptCount: 1,
	})
	state, ok := ParseMarkerState(out.Comment.Body, "ci-triage")
	if !ok {
		t.Fatalf("expected the comment body to embed a parseable marker state")
	}
	if state.Signature != out.Signature {
		t.Fatalf("expected embedded signature %d, got %d", out.Signature, state.Signature)
	}

	other := CITriage(CITriageInput{
		IssueRef:     ralphtask.IssueRef{Owner: "acme", Repo: "other", Number: 7},
		Checks:       checks,
		MaxAttempts:  5,
		AttemptCount: 1,
	})
	if out.Comment.ID == other.Comment.ID {
		t.Fatalf("expected marker ids to differ across repos")
	}
}

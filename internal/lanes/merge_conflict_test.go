package lanes

import (
	"testing"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

var issue = ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 11}

func TestMergeConflictFirstEntrySpawnsResumeAttempt(t *testing.T) {
	out := MergeConflict(MergeConflictInput{IssueRef: issue})
	if out.Decision != MergeConflictRetry {
		t.Fatalf("expected retry on first entry, got %s", out.Decision)
	}
	if out.Prompt == "" {
		t.Fatalf("expected a non-empty resume prompt")
	}
}

func TestMergeConflictRetriesRuntimeFailureUnderCap(t *testing.T) {
	out := MergeConflict(MergeConflictInput{
		IssueRef:      issue,
		Attempted:     true,
		ExitCode:      1,
		StderrExcerpt: "unexpected EOF",
		RetryCount:    1,
		MaxRetries:    3,
	})
	if out.Decision != MergeConflictRetry || out.Class != MergeFailureRuntime {
		t.Fatalf("expected runtime retry, got %s/%s", out.Decision, out.Class)
	}
}

func TestMergeConflictEscalatesOnPermissionFailure(t *testing.T) {
	out := MergeConflict(MergeConflictInput{
		IssueRef:      issue,
		Attempted:     true,
		ExitCode:      126,
		StderrExcerpt: "permission denied",
		RetryCount:    0,
		MaxRetries:    3,
	})
	if out.Decision != MergeConflictEscalate || out.Class != MergeFailurePermission {
		t.Fatalf("expected permission escalate, got %s/%s", out.Decision, out.Class)
	}
}

func TestMergeConflictEscalatesOnToolingFailure(t *testing.T) {
	out := MergeConflict(MergeConflictInput{
		IssueRef:      issue,
		Attempted:     true,
		ExitCode:      127,
		StderrExcerpt: "command not found: npm",
		RetryCount:    0,
		MaxRetries:    3,
	})
	if out.Decision != MergeConflictEscalate || out.Class != MergeFailureTooling {
		t.Fatalf("expected tooling escalate, got %s/%s", out.Decision, out.Class)
	}
}

func TestMergeConflictEscalatesWhenRuntimeRetriesExhausted(t *testing.T) {
	out := MergeConflict(MergeConflictInput{
		IssueRef:      issue,
		Attempted:     true,
		ExitCode:      1,
		StderrExcerpt: "unexpected EOF",
		RetryCount:    3,
		MaxRetries:    3,
	})
	if out.Decision != MergeConflictEscalate {
		t.Fatalf("expected escalate once retries are exhausted, got %s", out.Decision)
	}
}

package lanes

import "testing"

func TestContextCompactAttemptsOnce(t *testing.T) {
	out := ContextCompact(ContextCompactInput{
		PlanFileContent:    "- step one\n- step two",
		GitStatusPorcelain: " M internal/foo.go",
	})
	if out.Decision != ContextCompactAttempt {
		t.Fatalf("expected attempt, got %s", out.Decision)
	}
	if out.ResumePrompt == "" {
		t.Fatalf("expected a reconstituted resume prompt")
	}
}

func TestContextCompactPropagatesOnRepeat(t *testing.T) {
	out := ContextCompact(ContextCompactInput{AlreadyAttempted: true})
	if out.Decision != ContextCompactPropagate {
		t.Fatalf("expected propagate on a repeat for the same step, got %s", out.Decision)
	}
	if out.ResumePrompt != "" {
		t.Fatalf("expected no resume prompt when propagating")
	}
}

package lanes

import (
	"testing"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

func TestWatchdogFirstTimeoutRequeues(t *testing.T) {
	out := Watchdog(WatchdogInput{
		IssueRef: ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 3},
		Stage:    "build",
		Source:   "tool-watchdog",
		ToolName: "Bash",
	})
	if out.Decision != WatchdogRequeue {
		t.Fatalf("expected requeue on a first clean timeout, got %s", out.Decision)
	}
}

func TestWatchdogSecondTimeoutEscalates(t *testing.T) {
	out := Watchdog(WatchdogInput{
		IssueRef:   ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 3},
		Stage:      "build",
		Source:     "tool-watchdog",
		ToolName:   "Bash",
		RetryCount: 1,
	})
	if out.Decision != WatchdogEscalate {
		t.Fatalf("expected escalate on the second timeout, got %s", out.Decision)
	}
}

func TestWatchdogEarlyEscalatesOnObviousLoop(t *testing.T) {
	out := Watchdog(WatchdogInput{
		IssueRef:                 ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 3},
		Stage:                    "build",
		Source:                   "tool-watchdog",
		ToolName:                 "Bash",
		RetryCount:               0,
		RecentIdenticalToolCalls: 3,
	})
	if out.Decision != WatchdogEscalate {
		t.Fatalf("expected early escalate on repeated identical tool calls, got %s", out.Decision)
	}
}

func TestWatchdogEarlyEscalatesOnRepeatedSignature(t *testing.T) {
	sig := WatchdogSignatureV2("build", "tool-watchdog", "Bash", "go test ./...")
	out := Watchdog(WatchdogInput{
		IssueRef:       ralphtask.IssueRef{Owner: "acme", Repo: "widgets", Number: 3},
		Stage:          "build",
		Source:         "tool-watchdog",
		ToolName:       "Bash",
		ArgsPreview:    "go test ./...",
		RetryCount:     0,
		PriorSignature: sig,
	})
	if out.Decision != WatchdogEscalate {
		t.Fatalf("expected early escalate when the signature repeats the prior breach, got %s", out.Decision)
	}
}

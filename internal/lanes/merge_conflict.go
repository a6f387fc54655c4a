package lanes

import (
	"fmt"
	"strings"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// MergeConflictFailureClass classifies why a conflict-resume agent attempt
// failed.
type MergeConflictFailureClass string

const (
	MergeFailurePermission   MergeConflictFailureClass = "permission"
	MergeFailureRuntime      MergeConflictFailureClass = "runtime"
	MergeFailureTooling      MergeConflictFailureClass = "tooling"
	MergeFailureMergeContent MergeConflictFailureClass = "merge-content"
)

// MergeConflictDecision is what the worker should do next.
type MergeConflictDecision string

const (
	MergeConflictRetry    MergeConflictDecision = "retry"
	MergeConflictEscalate MergeConflictDecision = "escalate"
)

// MergeConflictInput describes the PR's dirty state and, once one attempt
// has run, the outcome of the last conflict-resume agent call.
type MergeConflictInput struct {
	IssueRef ralphtask.IssueRef

	// Attempted is false on the first entry into the lane, before any
	// conflict-resume agent call has been made for this dirty PR.
	Attempted     bool
	ExitCode      int
	StderrExcerpt string
	RetryCount    int
	MaxRetries    int
}

// MergeConflictOutput carries the decision and, on retry, the prompt to
// resume the session with.
type MergeConflictOutput struct {
	Decision MergeConflictDecision
	Class    MergeConflictFailureClass
	Prompt   string
}

// MergeConflict decides whether a dirty PR's conflict-resume attempt should
// be retried in the same run or escalated. Only runtime failures retry;
// permission, tooling, and merge-content failures escalate immediately.
func MergeConflict(in MergeConflictInput) MergeConflictOutput {
	if !in.Attempted {
		return MergeConflictOutput{
			Decision: MergeConflictRetry,
			Class:    MergeFailureRuntime,
			Prompt:   conflictResumePrompt(in.IssueRef),
		}
	}

	class := classifyMergeFailure(in)
	if class == MergeFailureRuntime && in.RetryCount < in.MaxRetries {
		return MergeConflictOutput{
			Decision: MergeConflictRetry,
			Class:    class,
			Prompt:   conflictResumePrompt(in.IssueRef),
		}
	}
	return MergeConflictOutput{Decision: MergeConflictEscalate, Class: class}
}

func classifyMergeFailure(in MergeConflictInput) MergeConflictFailureClass {
	lower := strings.ToLower(in.StderrExcerpt)
	switch {
	case in.ExitCode == 126 || strings.Contains(lower, "permission denied") || strings.Contains(lower, "not accessible by integration"):
		return MergeFailurePermission
	case in.ExitCode == 127 || strings.Contains(lower, "command not found") || strings.Contains(lower, "tool not found") || strings.Contains(lower, "executable file not found"):
		return MergeFailureTooling
	case strings.Contains(lower, "<<<<<<<") || strings.Contains(lower, "conflict markers") || strings.Contains(lower, "unresolved conflict"):
		return MergeFailureMergeContent
	default:
		return MergeFailureRuntime
	}
}

func conflictResumePrompt(ref ralphtask.IssueRef) string {
	return fmt.Sprintf(
		"The pull request for %s is dirty against its base branch. Rebase or merge to resolve the conflicts in the worktree, rerun the project's tests, and push the resolution before returning.",
		ref.String(),
	)
}

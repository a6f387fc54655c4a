package lanes

import "strings"

// ContextCompactDecision is whether the worker should attempt a compact+
// resume or give up and surface the original failure.
type ContextCompactDecision string

const (
	ContextCompactAttempt   ContextCompactDecision = "attempt"
	ContextCompactPropagate ContextCompactDecision = "propagate"
)

// ContextCompactInput describes a context_length_exceeded failure and
// whether a compact has already been tried for this (task, stepKey).
type ContextCompactInput struct {
	AlreadyAttempted   bool
	PlanFileContent    string
	GitStatusPorcelain string
}

// ContextCompactOutput carries the decision and, on attempt, the
// reconstituted resume prompt.
type ContextCompactOutput struct {
	Decision     ContextCompactDecision
	ResumePrompt string
}

// ContextCompact allows at most one compact+resume attempt per (task,
// stepKey); a repeat on the same step propagates the original failure
// unchanged instead of looping.
func ContextCompact(in ContextCompactInput) ContextCompactOutput {
	if in.AlreadyAttempted {
		return ContextCompactOutput{Decision: ContextCompactPropagate}
	}
	return ContextCompactOutput{
		Decision:     ContextCompactAttempt,
		ResumePrompt: reconstitutePrompt(in.PlanFileContent, in.GitStatusPorcelain),
	}
}

func reconstitutePrompt(plan, gitStatus string) string {
	var b strings.Builder
	b.WriteString("Context was compacted. Resume the plan below from where the worktree currently stands.\n\n")
	b.WriteString("## Plan\n")
	b.WriteString(strings.TrimSpace(plan))
	b.WriteString("\n\n## Current worktree status (git status --porcelain)\n```\n")
	b.WriteString(strings.TrimSpace(gitStatus))
	b.WriteString("\n```\n")
	return b.String()
}

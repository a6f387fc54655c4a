package lanes

import (
	"encoding/json"
	"strings"
	"time"
)

// ParentVerificationDecision is the outcome of parsing a verification-only
// agent run's marker line.
type ParentVerificationDecision string

const (
	ParentVerificationWorkRemains ParentVerificationDecision = "work_remains"
	ParentVerificationNoWork      ParentVerificationDecision = "no_work"
	ParentVerificationDeferred    ParentVerificationDecision = "deferred"
	ParentVerificationEscalate    ParentVerificationDecision = "escalate"
)

// recognizedNoPRTerminalReasons are the only noPrTerminalReason values that
// license completing a run with outcome=success and no PR URL.
var recognizedNoPRTerminalReasons = map[string]bool{
	"PARENT_VERIFICATION_NO_PR": true,
	"ISSUE_CLOSED_UPSTREAM":     true,
}

// ParentVerificationMarker is the RALPH_PARENT_VERIFY marker payload.
type ParentVerificationMarker struct {
	Version            int    `json:"version"`
	WorkRemains        bool   `json:"work_remains"`
	Reason             string `json:"reason"`
	WhySatisfied       string `json:"why_satisfied,omitempty"`
	NoPRTerminalReason string `json:"noPrTerminalReason,omitempty"`
}

// ParentVerificationInput is the verification agent's raw output tail plus
// the claim's current attempt bookkeeping.
type ParentVerificationInput struct {
	RawOutputTail string
	AttemptCount  int
	MaxAttempts   int
}

// ParentVerificationOutput is the decision, the recognized no-PR reason (if
// any), and the backoff window to apply on deferral.
type ParentVerificationOutput struct {
	Decision           ParentVerificationDecision
	NoPRTerminalReason string
	NextAttemptIn      time.Duration
}

// ParentVerification parses the final-line RALPH_PARENT_VERIFY marker and
// decides whether implementation should proceed, the issue is already
// satisfied, or the claim should be retried or escalated.
func ParentVerification(in ParentVerificationInput) ParentVerificationOutput {
	marker, ok := parseParentVerifyMarker(in.RawOutputTail)
	if !ok {
		return deferOrEscalate(in)
	}

	if marker.WorkRemains {
		return ParentVerificationOutput{Decision: ParentVerificationWorkRemains}
	}

	if recognizedNoPRTerminalReasons[marker.NoPRTerminalReason] {
		return ParentVerificationOutput{
			Decision:           ParentVerificationNoWork,
			NoPRTerminalReason: marker.NoPRTerminalReason,
		}
	}

	// no_work claimed without a recognized terminal reason: treat the same
	// as an unparseable marker rather than trusting an unrecognized reason.
	return deferOrEscalate(in)
}

func deferOrEscalate(in ParentVerificationInput) ParentVerificationOutput {
	if in.AttemptCount >= in.MaxAttempts {
		return ParentVerificationOutput{Decision: ParentVerificationEscalate}
	}
	return ParentVerificationOutput{
		Decision:      ParentVerificationDeferred,
		NextAttemptIn: parentVerifyBackoff(in.AttemptCount, uint64(in.AttemptCount)+1),
	}
}

func parseParentVerifyMarker(output string) (ParentVerificationMarker, bool) {
	line := strings.TrimSpace(LastNonEmptyLine(output))
	const prefix = "RALPH_PARENT_VERIFY:"
	if !strings.HasPrefix(line, prefix) {
		return ParentVerificationMarker{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	var m ParentVerificationMarker
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return ParentVerificationMarker{}, false
	}
	return m, true
}

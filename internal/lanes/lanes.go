// Package lanes implements the recovery lanes: pure decision functions that
// take a snapshot of what the worker observed and return a Decision plus the
// side-effect Plan needed to realize it. The worker carries out the plan
// (posting comments, requeuing, escalating); nothing in this package touches
// the network, the clock, or the state store directly, which keeps every
// lane trivially testable and keeps signature computation reproducible.
package lanes

import (
	"hash/fnv"
	"strings"
)

// CommentPlan is the side-effect instruction for upserting one marked
// GitHub comment. Worker-side idempotency keys off Kind+ID: a second plan
// with the same pair is a no-op write, matching the marker idempotence
// contract.
type CommentPlan struct {
	Kind string
	ID   string
	Body string
}

func fnv1a(parts ...string) uint64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return h.Sum64()
}

// LastNonEmptyLine returns the last non-blank line of s, or "" if none.
// Shared by every lane and stage that parses a deterministic marker off the
// final line of agent output.
func LastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

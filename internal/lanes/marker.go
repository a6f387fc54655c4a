package lanes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MarkerState is the coordination blob embedded in a marked comment: the
// signature that produced the last action, how many attempts have been
// made, and what the lane decided to do about it.
type MarkerState struct {
	Signature    uint64 `json:"signature"`
	AttemptCount int    `json:"attempt_count"`
	LastAction   string `json:"last_action"`
}

// MarkerID derives a deterministic 12-hex-char comment marker id from a
// stable key (repo|number). Two writers computing the marker for the same
// key always agree on the id, which is what makes writeback idempotent.
func MarkerID(parts ...string) string {
	h := fnv1a(parts...)
	return fmt.Sprintf("%012x", h&0xFFFFFFFFFFFF)
}

// BuildMarkerComment renders a human-readable body followed by the two
// HTML-comment marker lines the comment-idempotence contract requires.
func BuildMarkerComment(kind, id string, state MarkerState, humanBody string) string {
	stateJSON, _ := json.Marshal(state)
	var b strings.Builder
	b.WriteString(strings.TrimRight(humanBody, "\n"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "<!-- ralph-%s:id=%s -->\n", kind, id)
	fmt.Fprintf(&b, "<!-- ralph-%s:state=%s -->\n", kind, string(stateJSON))
	return b.String()
}

// ParseMarkerState extracts the embedded state blob from a previously
// written marker comment of the given kind, if present.
func ParseMarkerState(body, kind string) (MarkerState, bool) {
	prefix := fmt.Sprintf("<!-- ralph-%s:state=", kind)
	idx := strings.Index(body, prefix)
	if idx < 0 {
		return MarkerState{}, false
	}
	rest := body[idx+len(prefix):]
	end := strings.Index(rest, " -->")
	if end < 0 {
		return MarkerState{}, false
	}
	var st MarkerState
	if err := json.Unmarshal([]byte(rest[:end]), &st); err != nil {
		return MarkerState{}, false
	}
	return st, true
}

package sessionadapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// EventType tags the recognized shapes of an agent process's event stream.
// Anything else collapses to EventOther rather than failing the run.
type EventType string

const (
	EventText           EventType = "text"
	EventToolStart      EventType = "tool_start"
	EventToolEnd        EventType = "tool_end"
	EventToolProgress   EventType = "tool_progress"
	EventStepStart      EventType = "step-start"
	EventSessionUpdated EventType = "session.updated"
	EventOther          EventType = "other"
)

// Event is the tagged-variant view of one line of the agent's JSON stream.
// sessionId/sessionID and part.text are normalized into SessionID/Text; Raw
// keeps the full decoded line for callers that need a field this struct
// doesn't surface.
type Event struct {
	Type      EventType
	SessionID string
	Text      string
	ToolName  string
	ToolArgs  string
	StepLabel string
	Tokens    int
	Raw       map[string]any
}

// ParseEvent decodes one stream line. It reports false for anything that
// isn't a JSON object — callers drop such lines and keep reading, per the
// permissive parsing contract (malformed and partial trailing lines never
// abort the stream).
func ParseEvent(line []byte) (Event, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Event{}, false
	}
	raw, ok := decodeLine(trimmed)
	if !ok {
		return Event{}, false
	}

	typ, _ := raw["type"].(string)
	ev := Event{Raw: raw, Type: classify(typ)}
	ev.SessionID = stringField(raw, "sessionId", "sessionID")
	ev.Text = extractText(raw)
	ev.ToolName, ev.ToolArgs = extractTool(raw)
	ev.StepLabel = stringField(raw, "step", "label")
	ev.Tokens = extractTokens(raw)
	return ev, true
}

// decodeLine parses a stream line strictly first; agent binaries
// occasionally emit a truncated or lightly malformed line (an unescaped
// quote inside tool output, a dropped trailing brace), so a failed strict
// parse gets one repair attempt before the line is dropped.
func decodeLine(line string) (map[string]any, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err == nil {
		return raw, true
	}
	repaired, err := jsonrepair.JSONRepair(line)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
		return nil, false
	}
	return raw, true
}

func classify(typ string) EventType {
	switch strings.TrimSpace(typ) {
	case string(EventText):
		return EventText
	case string(EventToolStart):
		return EventToolStart
	case string(EventToolEnd):
		return EventToolEnd
	case string(EventToolProgress):
		return EventToolProgress
	case string(EventStepStart):
		return EventStepStart
	case string(EventSessionUpdated):
		return EventSessionUpdated
	default:
		return EventOther
	}
}

func stringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := raw[key].(string); ok && val != "" {
			return val
		}
	}
	return ""
}

// extractText applies the part.text canonicalization: prefer a nested
// part.text, then fall back to a top-level text field.
func extractText(raw map[string]any) string {
	if part, ok := raw["part"].(map[string]any); ok {
		if text, ok := part["text"].(string); ok {
			return text
		}
	}
	if text, ok := raw["text"].(string); ok {
		return text
	}
	return ""
}

func extractTool(raw map[string]any) (name, args string) {
	if toolName, ok := raw["tool_name"].(string); ok {
		return toolName, stringifyArgs(raw["tool_args"])
	}
	if toolName, ok := raw["toolName"].(string); ok {
		return toolName, stringifyArgs(raw["toolArgs"])
	}
	return "", ""
}

// extractTokens pulls the running token count off a session.updated-style
// usage block; most event lines carry none, so a miss is not an error.
func extractTokens(raw map[string]any) int {
	usage, ok := raw["usage"].(map[string]any)
	if !ok {
		return intField(raw, "tokens", "total_tokens")
	}
	return intField(usage, "total_tokens", "totalTokens", "tokens")
}

func intField(raw map[string]any, keys ...string) int {
	for _, key := range keys {
		if v, ok := raw[key].(float64); ok {
			return int(v)
		}
	}
	return 0
}

func stringifyArgs(val any) string {
	if val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	if encoded, err := json.Marshal(val); err == nil {
		return string(encoded)
	}
	return fmt.Sprintf("%v", val)
}

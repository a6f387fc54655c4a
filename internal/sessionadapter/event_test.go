package sessionadapter

import "testing"

func TestParseEventTextWithPartAlias(t *testing.T) {
	line := []byte(`{"type":"text","sessionID":"sess-1","part":{"text":"hello"}}`)
	ev, ok := ParseEvent(line)
	if !ok {
		t.Fatalf("expected event to parse")
	}
	if ev.Type != EventText {
		t.Fatalf("expected EventText, got %v", ev.Type)
	}
	if ev.SessionID != "sess-1" {
		t.Fatalf("expected sessionID alias to populate SessionID, got %q", ev.SessionID)
	}
	if ev.Text != "hello" {
		t.Fatalf("expected part.text to be canonical, got %q", ev.Text)
	}
}

func TestParseEventToolStart(t *testing.T) {
	line := []byte(`{"type":"tool_start","tool_name":"Bash","tool_args":{"cmd":"ls"}}`)
	ev, ok := ParseEvent(line)
	if !ok {
		t.Fatalf("expected event to parse")
	}
	if ev.Type != EventToolStart {
		t.Fatalf("expected EventToolStart, got %v", ev.Type)
	}
	if ev.ToolName != "Bash" {
		t.Fatalf("expected tool name Bash, got %q", ev.ToolName)
	}
	if ev.ToolArgs == "" {
		t.Fatalf("expected non-empty tool args")
	}
}

func TestParseEventUnrecognizedTypeIsOther(t *testing.T) {
	line := []byte(`{"type":"something-new"}`)
	ev, ok := ParseEvent(line)
	if !ok {
		t.Fatalf("expected event to parse")
	}
	if ev.Type != EventOther {
		t.Fatalf("expected EventOther for unrecognized type, got %v", ev.Type)
	}
}

func TestParseEventMalformedLineDropped(t *testing.T) {
	if _, ok := ParseEvent([]byte(`not json`)); ok {
		t.Fatalf("expected malformed line to be dropped")
	}
	if _, ok := ParseEvent([]byte(``)); ok {
		t.Fatalf("expected empty line to be dropped")
	}
}

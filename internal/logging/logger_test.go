package logging

import "testing"

func TestOrNopHandlesNilInterface(t *testing.T) {
	var logger Logger
	if !IsNil(logger) {
		t.Fatalf("expected nil interface to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // must not panic
}

func TestComponentLoggerWith(t *testing.T) {
	logger := NewComponentLogger("test").With("task_id", "acme#1")
	logger.Debug("noop")
	logger.Warn("noop")
	logger.Error("noop")
}

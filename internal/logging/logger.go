// Package logging provides component-scoped loggers over log/slog. Every
// subsystem (store, session adapter, lanes, worker, scheduler, daemon)
// gets its own named logger so log lines carry a stable "component" field
// without each call site threading one through by hand.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger is the narrow logging port every package in this repository
// depends on, so tests can inject a no-op or buffering implementation
// without touching slog handler plumbing.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	With(kv ...any) Logger
}

// slogLogger adapts *slog.Logger to the Logger port.
type slogLogger struct {
	component string
	base      *slog.Logger
}

var root = newRoot()

func newRoot() *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(os.Getenv("RALPH_LOG_LEVEL")))
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level, AddSource: false})
	return slog.New(handler)
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponentLogger returns a Logger tagged with the given component name.
func NewComponentLogger(component string) Logger {
	return &slogLogger{component: component, base: root}
}

func (l *slogLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args...) }

func (l *slogLogger) With(kv ...any) Logger {
	return &slogLogger{component: l.component, base: l.base.With(kv...)}
}

func (l *slogLogger) log(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.base.Log(context.Background(), level, msg, slog.String("component", l.component))
}

// IsNil reports whether logger is a nil interface or a typed nil pointer,
// either of which would panic on first use.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	l, ok := logger.(*slogLogger)
	return ok && l == nil
}

// OrNop returns logger unless it is nil (interface or typed-nil pointer),
// in which case it returns a usable no-op Logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return nopLogger{}
	}
	return logger
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) With(...any) Logger   { return nopLogger{} }

// Package id generates sortable identifiers for runs, sessions, events and
// log bundles, and threads them through context.Context so every log line
// and store write along a pipeline invocation can be correlated.
package id

import (
	"context"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// IDs bundles the correlation identifiers carried through one pipeline
// invocation.
type IDs struct {
	SessionID     string `json:"session_id,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	ParentRunID   string `json:"parent_run_id,omitempty"`
	LogID         string `json:"log_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

type ctxKey string

const idsKey ctxKey = "ralph.ids"

// WithIDs attaches ids to ctx, replacing any previously attached value.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, idsKey, ids)
}

// IDsFromContext returns the IDs attached to ctx, or the zero value if none
// were attached. Nil-safe.
func IDsFromContext(ctx context.Context) IDs {
	if ctx == nil {
		return IDs{}
	}
	ids, _ := ctx.Value(idsKey).(IDs)
	return ids
}

// SessionIDFromContext is a compatibility accessor for callers that only
// care about the session identifier.
func SessionIDFromContext(ctx context.Context) string { return IDsFromContext(ctx).SessionID }

// WithRunID merges id into ctx's IDs as RunID, preserving other fields.
func WithRunID(ctx context.Context, runID string) context.Context {
	ids := IDsFromContext(ctx)
	ids.RunID = runID
	return WithIDs(ctx, ids)
}

// RunIDFromContext returns the RunID attached to ctx, if any.
func RunIDFromContext(ctx context.Context) string { return IDsFromContext(ctx).RunID }

// WithLogID merges id into ctx's IDs as LogID, preserving other fields.
func WithLogID(ctx context.Context, logID string) context.Context {
	ids := IDsFromContext(ctx)
	ids.LogID = logID
	return WithIDs(ctx, ids)
}

// LogIDFromContext returns the LogID attached to ctx, if any.
func LogIDFromContext(ctx context.Context) string { return IDsFromContext(ctx).LogID }

// WithCorrelationID merges id into ctx's IDs as CorrelationID.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	ids := IDsFromContext(ctx)
	ids.CorrelationID = correlationID
	return WithIDs(ctx, ids)
}

// CorrelationIDFromContext returns the CorrelationID attached to ctx, if
// any. Nil-safe.
func CorrelationIDFromContext(ctx context.Context) string { return IDsFromContext(ctx).CorrelationID }

// WithCausationID merges id into ctx's IDs as CausationID.
func WithCausationID(ctx context.Context, causationID string) context.Context {
	ids := IDsFromContext(ctx)
	ids.CausationID = causationID
	return WithIDs(ctx, ids)
}

// CausationIDFromContext returns the CausationID attached to ctx, if any.
// Nil-safe.
func CausationIDFromContext(ctx context.Context) string { return IDsFromContext(ctx).CausationID }

// EnsureRunID returns the RunID already present in ctx, or generates one
// with gen and attaches it, returning the (possibly updated) context and
// the resolved id.
func EnsureRunID(ctx context.Context, gen func() string) (context.Context, string) {
	if existing := RunIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	generated := gen()
	return WithRunID(ctx, generated), generated
}

// EnsureLogID returns the LogID already present in ctx, or generates one
// with gen and attaches it, returning the (possibly updated) context and
// the resolved id.
func EnsureLogID(ctx context.Context, gen func() string) (context.Context, string) {
	if existing := LogIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	generated := gen()
	return WithLogID(ctx, generated), generated
}

// Strategy selects which generator backs the New*ID helpers.
type Strategy int

const (
	// StrategyKSUID generates sortable, lexically-ordered IDs (default).
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered UUIDs instead.
	StrategyUUIDv7
)

var currentStrategy = StrategyKSUID

// SetStrategy changes the generator backing New*ID calls. Not safe for
// concurrent use with generator calls; intended for startup configuration
// and tests.
func SetStrategy(s Strategy) { currentStrategy = s }

// runIDSuffixLength is the fixed suffix length for NewRunID, independent
// of which Strategy is active, so downstream fixed-width parsing doesn't
// need to branch on strategy.
const runIDSuffixLength = 27

// NewKSUID returns a raw KSUID string regardless of the active strategy.
func NewKSUID() string { return ksuid.New().String() }

// NewUUIDv7 returns a raw UUIDv7 string regardless of the active strategy.
func NewUUIDv7() string {
	u, err := uuid.NewV7()
	if err != nil {
		return ksuid.New().String()
	}
	return u.String()
}

func rawID() string {
	switch currentStrategy {
	case StrategyUUIDv7:
		return stripDashes(NewUUIDv7())
	default:
		return NewKSUID()
	}
}

func stripDashes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// NewSessionID returns a new "session-<id>" identifier.
func NewSessionID() string { return "session-" + rawID() }

// NewRunID returns a new "run-<id>" identifier with a fixed suffix length
// regardless of the active strategy.
func NewRunID() string {
	raw := rawID()
	if len(raw) > runIDSuffixLength {
		raw = raw[:runIDSuffixLength]
	}
	return "run-" + raw
}

// NewEventID returns a new "evt-<id>" identifier.
func NewEventID() string { return "evt-" + rawID() }

// NewLogID returns a new "log-<id>" identifier.
func NewLogID() string { return "log-" + rawID() }

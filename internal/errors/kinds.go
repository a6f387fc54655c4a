package errors

import "errors"

// Kind is a stable error classification callers can branch on with
// errors.Is instead of string matching, shared by the store and pipeline
// layers.
type Kind string

const (
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindIOError          Kind = "io_error"
	KindTransientNetwork Kind = "transient-network"
	KindRateLimited      Kind = "rate-limited"
	KindPermissionDenied Kind = "permission-denied"
	KindAgentFailure     Kind = "agent-failure"
	KindWatchdogTimeout  Kind = "watchdog-timeout"
	KindStallTimeout     Kind = "stall-timeout"
	KindLoopTrip         Kind = "loop-trip"
	KindContextExceeded  Kind = "context-length-exceeded"
	KindMarkerParse      Kind = "marker-parse"
	KindMergeConflict    Kind = "merge-conflict"
	KindCIFailure        Kind = "ci-failure"
	KindPREvidenceMissing Kind = "pr-evidence-missing"
	KindPolicyDenied     Kind = "policy-denied"
)

// KindError wraps an underlying error with a stable Kind.
type KindError struct {
	K   Kind
	Err error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.K)
	}
	return string(e.K) + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error { return e.Err }

// sentinel values so errors.Is(err, ErrConflict) works even when callers
// don't hold a *KindError directly.
var (
	ErrConflict = &KindError{K: KindConflict}
	ErrNotFound = &KindError{K: KindNotFound}
)

// WithKind wraps err with the given Kind, or returns nil if err is nil.
func WithKind(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{K: k, Err: err}
}

// KindOf extracts the Kind from err, if any was attached.
func KindOf(err error) (Kind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.K, true
	}
	return "", false
}

// Is implements errors.Is comparison by Kind alone, so ErrConflict and a
// freshly constructed &KindError{K: KindConflict} compare equal regardless
// of wrapped cause.
func (e *KindError) Is(target error) bool {
	other, ok := target.(*KindError)
	if !ok {
		return false
	}
	return e.K == other.K
}

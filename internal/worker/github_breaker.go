package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	rerrors "github.com/ralph-build/ralphd/internal/errors"
	"github.com/ralph-build/ralphd/internal/lanes"
	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// githubBreakerManager hands out one named circuit breaker per repo and
// operation,
// creating it lazily on first use. It is the same get-or-create registry a
// manual breaker manager would keep, with gobreaker's closed/open/half-open
// state machine doing the bookkeeping instead of hand-rolled counters.
type githubBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	logger   logging.Logger
}

func newGitHubBreakerManager(logger logging.Logger) *githubBreakerManager {
	return &githubBreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		logger:   logging.OrNop(logger),
	}
}

func (m *githubBreakerManager) get(name string) *gobreaker.CircuitBreaker[any] {
	m.mu.RLock()
	if cb, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return cb
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	logger := m.logger
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("github circuit %s: %s -> %s", name, from, to)
		},
	})
	m.breakers[name] = cb
	return cb
}

// githubExecute runs fn through the named breaker, translating an open
// circuit into a transient-network kind so the pipeline's existing
// rate-limit/transient retry paths (classifyPRCreateFailure, CI triage)
// handle it without a separate code path.
func githubExecute[T any](m *githubBreakerManager, name string, fn func() (T, error)) (T, error) {
	cb := m.get(name)
	v, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, rerrors.WithKind(rerrors.KindTransientNetwork, fmt.Errorf("github circuit %s open: %w", name, err))
		}
		return zero, err
	}
	return v.(T), nil
}

// circuitGitHub wraps a GitHub port so every call runs through a
// per-repo, per-operation circuit breaker. It changes no method signature;
// a worker configured with it is functionally identical except that a
// repo whose GitHub calls keep failing stops hammering the API and fails
// fast until the breaker's timeout lets a trial request back through.
type circuitGitHub struct {
	inner    GitHub
	breakers *githubBreakerManager
}

func newCircuitGitHub(inner GitHub, logger logging.Logger) GitHub {
	return &circuitGitHub{inner: inner, breakers: newGitHubBreakerManager(logger)}
}

func breakerName(ref ralphtask.IssueRef, op string) string {
	return ref.Owner + "/" + ref.Repo + ":" + op
}

func (c *circuitGitHub) CanonicalPR(ctx context.Context, ref ralphtask.IssueRef) (*PRSnapshot, error) {
	return githubExecute(c.breakers, breakerName(ref, "canonical-pr"), func() (*PRSnapshot, error) {
		return c.inner.CanonicalPR(ctx, ref)
	})
}

func (c *circuitGitHub) CreatePR(ctx context.Context, req CreatePRRequest, idempotencyKey string) (*PRSnapshot, error) {
	return githubExecute(c.breakers, breakerName(req.IssueRef, "create-pr"), func() (*PRSnapshot, error) {
		return c.inner.CreatePR(ctx, req, idempotencyKey)
	})
}

func (c *circuitGitHub) RequiredChecks(ctx context.Context, ref ralphtask.IssueRef, prNumber int) (*ChecksSnapshot, error) {
	return githubExecute(c.breakers, breakerName(ref, "required-checks"), func() (*ChecksSnapshot, error) {
		return c.inner.RequiredChecks(ctx, ref, prNumber)
	})
}

func (c *circuitGitHub) UpsertMarkedComment(ctx context.Context, ref ralphtask.IssueRef, plan lanes.CommentPlan) (string, error) {
	return githubExecute(c.breakers, breakerName(ref, "upsert-comment"), func() (string, error) {
		return c.inner.UpsertMarkedComment(ctx, ref, plan)
	})
}

func (c *circuitGitHub) UpdateBranch(ctx context.Context, ref ralphtask.IssueRef, prNumber int) error {
	_, err := githubExecute(c.breakers, breakerName(ref, "update-branch"), func() (struct{}, error) {
		return struct{}{}, c.inner.UpdateBranch(ctx, ref, prNumber)
	})
	return err
}

func (c *circuitGitHub) DeleteBranch(ctx context.Context, ref ralphtask.IssueRef, branch string) error {
	_, err := githubExecute(c.breakers, breakerName(ref, "delete-branch"), func() (struct{}, error) {
		return struct{}{}, c.inner.DeleteBranch(ctx, ref, branch)
	})
	return err
}

func (c *circuitGitHub) OpenFollowUpIssue(ctx context.Context, ref ralphtask.IssueRef, title, body string) (string, error) {
	return githubExecute(c.breakers, breakerName(ref, "open-followup"), func() (string, error) {
		return c.inner.OpenFollowUpIssue(ctx, ref, title, body)
	})
}

package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ralph-build/ralphd/internal/logging"
)

// CircuitBreakerConfig configures circuit breaker behavior. Field names are
// kept from the hand-rolled predecessor; they are translated into
// gobreaker.Settings on construction.
type CircuitBreakerConfig struct {
	FailureThreshold int                                      // consecutive failures before opening (default: 5)
	SuccessThreshold uint32                                    // consecutive half-open successes to close (default: 2)
	Timeout          time.Duration                             // time in open before probing half-open (default: 30s)
	OnStateChange    func(from, to gobreaker.State, name string) // optional callback
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker protects a dependency (GitHub calls, agent invocations)
// against repeated failure by opening after a failure streak and probing
// recovery in a half-open window. Internals are github.com/sony/gobreaker.
type CircuitBreaker struct {
	name   string
	inner  *gobreaker.CircuitBreaker[any]
	logger logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	logger := logging.NewComponentLogger("circuit-breaker")
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.SuccessThreshold,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("[%s] circuit breaker %s -> %s", name, from, to)
			if config.OnStateChange != nil {
				go config.OnStateChange(from, to, name)
			}
		},
	}
	return &CircuitBreaker{
		name:   name,
		inner:  gobreaker.NewCircuitBreaker[any](settings),
		logger: logger,
	}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := cb.inner.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return unwrapGobreakerErr(err, cb.name)
}

// ExecuteFunc runs fn, which returns a value, with circuit breaker
// protection. A free function because Go methods cannot introduce new
// type parameters.
func ExecuteFunc[T any](cb *CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := cb.inner.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, unwrapGobreakerErr(err, cb.name)
	}
	v, _ := result.(T)
	return v, nil
}

func unwrapGobreakerErr(err error, name string) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return NewDegradedError(err, fmt.Sprintf("service %q is temporarily unavailable due to repeated failures", name), "")
	}
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.inner.State()
}

// Reset is approximated by gobreaker's internal generation counter; there
// is no public reset, so this records intent via a log line only. Prefer
// letting the breaker recover through its timeout window.
func (cb *CircuitBreaker) Reset() {
	cb.logger.Info("[%s] circuit breaker reset requested (gobreaker recovers via timeout, not forced reset)", cb.name)
}

// CircuitBreakerManager manages multiple named circuit breakers.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logging.NewComponentLogger("circuit-breaker-manager"),
	}
}

// Get returns a circuit breaker for the given name, creating it if absent.
func (m *CircuitBreakerManager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if breaker, ok := m.breakers[name]; ok {
		return breaker
	}
	breaker := NewCircuitBreaker(name, m.config)
	m.breakers[name] = breaker
	m.logger.Debug("created circuit breaker for: %s", name)
	return breaker
}

// Remove removes a circuit breaker.
func (m *CircuitBreakerManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
	m.logger.Debug("removed circuit breaker: %s", name)
}

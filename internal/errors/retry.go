package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ralph-build/ralphd/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // maximum number of retry attempts (default: 3)
	BaseDelay    time.Duration // base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // maximum delay between retries (default: 30s)
	JitterFactor float64       // jitter factor for randomization (default: 0.25 = +/-25%)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with exponential backoff, deterministic jitter, and
// context cancellation, driven by cenkalti/backoff/v5.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	return RetryWithLog(ctx, config, fn, nil)
}

// RetryWithLog executes fn with retry logic and a custom logger.
func RetryWithLog(ctx context.Context, config RetryConfig, fn RetryableFunc, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewComponentLogger("retry")
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if attempt == 0 {
			logger.Debug("executing (attempt 1/%d)", config.MaxAttempts+1)
		} else {
			logger.Debug("retrying (attempt %d/%d)", attempt+1, config.MaxAttempts+1)
		}
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			logger.Debug("error is not transient, stopping retries")
			return struct{}{}, backoff.Permanent(err)
		}
		attempt++
		return struct{}{}, err
	},
		backoff.WithBackOff(newAttemptSeededBackoff(config)),
		backoff.WithMaxTries(uint(config.MaxAttempts+1)),
	)
	if err != nil {
		logger.Warn("max retries (%d) exhausted", config.MaxAttempts)
		return fmt.Errorf("max retries exceeded: %w", err)
	}
	return nil
}

// RetryWithResult executes a function returning a value with retry logic.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog[T](ctx, config, fn, nil)
}

// RetryWithResultAndLog executes a function returning a value with retry
// logic and a custom logger.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	if logger == nil {
		logger = logging.NewComponentLogger("retry")
	}
	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		var zero T
		if attempt == 0 {
			logger.Debug("executing (attempt 1/%d)", config.MaxAttempts+1)
		} else {
			logger.Debug("retrying (attempt %d/%d)", attempt+1, config.MaxAttempts+1)
		}
		val, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return val, nil
		}
		if !IsTransient(err) {
			logger.Debug("error is not transient, stopping retries")
			return zero, backoff.Permanent(err)
		}
		attempt++
		return zero, err
	},
		backoff.WithBackOff(newAttemptSeededBackoff(config)),
		backoff.WithMaxTries(uint(config.MaxAttempts+1)),
	)
	if err != nil {
		logger.Warn("max retries (%d) exhausted", config.MaxAttempts)
		var zero T
		return zero, fmt.Errorf("max retries exceeded: %w", err)
	}
	return result, nil
}

// ShouldRetry is a helper to check whether an operation should be retried.
func ShouldRetry(err error, attemptNumber int, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if attemptNumber >= maxAttempts {
		return false
	}
	return IsTransient(err)
}

// attemptSeededBackoff implements backoff.BackOff with jitter deterministic
// in the attempt number, so the same attempt always produces the same
// delay across restarts. CI-wait and PR-create retries rely on this to
// keep their backoff schedule reproducible across daemon restarts.
type attemptSeededBackoff struct {
	cfg     RetryConfig
	attempt uint64
}

func newAttemptSeededBackoff(cfg RetryConfig) *attemptSeededBackoff {
	return &attemptSeededBackoff{cfg: cfg}
}

func (b *attemptSeededBackoff) NextBackOff() time.Duration {
	d := calculateBackoff(int(b.attempt), b.cfg)
	b.attempt++
	return d
}

// calculateBackoff computes exponential backoff with jitter seeded
// deterministically by the attempt number via a fresh ChaCha8 source, so
// repeated calls for the same attempt always agree.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(config.BaseDelay) * multiplier)
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor <= 0 {
		return delay
	}

	var seed [32]byte
	seed[0] = byte(attempt)
	seed[1] = byte(attempt >> 8)
	seed[2] = byte(attempt >> 16)
	seed[3] = byte(attempt >> 24)
	src := rand.NewChaCha8(seed)
	r := rand.New(src)

	jitter := float64(delay) * config.JitterFactor
	jitterAmount := (r.Float64()*2 - 1) * jitter
	delay = time.Duration(float64(delay) + jitterAmount)
	if delay < 0 {
		delay = config.BaseDelay
	}
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}

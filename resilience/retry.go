package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/neuroplc/cortex/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults for a single twin
// property read: a handful of quick attempts, since a cycle's budget
// for an optional twin call is measured in milliseconds, not seconds.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes fn with exponential backoff, stopping early on context
// cancellation or once MaxAttempts is exhausted.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		// Deterministic jitter: up to ±10% of the delay, a fixed function
		// of the attempt number (identical for every caller).
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrEngineUnavailable)
}

// RetryWithCircuitBreaker retries fn while the breaker stays closed,
// short-circuiting immediately once it opens rather than burning the
// retry budget on a call the breaker would reject anyway.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	circuitOpen := false

	err := Retry(retryCtx, config, func() error {
		if !cb.CanExecute() {
			circuitOpen = true
			cancel()
			return core.ErrCircuitOpen
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}

		cb.RecordSuccess()
		return nil
	})
	if circuitOpen {
		return core.ErrCircuitOpen
	}
	return err
}

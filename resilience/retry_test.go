package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2, JitterEnabled: false}
}

func TestRetrySucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestRetryStopsOnceFnSucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected MaxAttempts calls, got %d", calls)
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetryConfig(), func() error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no calls once context is already cancelled, got %d", calls)
	}
}

func TestRetryWithCircuitBreakerShortCircuitsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)
	cb.RecordFailure() // trips the breaker open (threshold=1)

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), fastRetryConfig(), cb, func() error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected an error while the breaker is open")
	}
	if calls != 0 {
		t.Fatalf("expected fn never called while breaker is open, got %d calls", calls)
	}
}

func TestRetryWithCircuitBreakerRecordsSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)
	err := RetryWithCircuitBreaker(context.Background(), fastRetryConfig(), cb, func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("RetryWithCircuitBreaker: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected breaker to remain closed, got %s", cb.State())
	}
}

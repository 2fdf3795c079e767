// Package resilience implements the engine-dispatch circuit breaker
// (C11) and a generic retry helper used by the twin adapter.
package resilience

import (
	"sync"
	"time"

	"github.com/neuroplc/cortex/core"
)

// CircuitState mirrors the teacher's three-state breaker vocabulary,
// trimmed to what the spec's threshold-and-cooldown breaker needs:
// Closed normally, Open while cooling down. HalfOpen is unused here —
// the spec's is_open() check is a pure function of elapsed time, not a
// probe-based half-open state — kept only for String() compatibility
// with callers that log breaker state by name.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector lets callers observe breaker transitions without the
// breaker depending on any particular metrics backend.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(name string)  {}
func (noopMetrics) RecordFailure(name string)  {}
func (noopMetrics) RecordRejection(name string) {}

// CircuitBreaker implements the engine-dispatch breaker exactly as
// specified: one instance per engine family, tracking a failure count
// and the timestamp of the last failure. It is open iff
// failures >= threshold AND now - last_failure_at < cooldown.
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	threshold     int
	cooldown      time.Duration
	failures      int
	lastFailureAt time.Time
	metrics       MetricsCollector
	now           func() time.Time
}

func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		metrics:   noopMetrics{},
		now:       time.Now,
	}
}

func (cb *CircuitBreaker) WithMetrics(m MetricsCollector) *CircuitBreaker {
	if m != nil {
		cb.metrics = m
	}
	return cb
}

// CanExecute reports whether a call should be attempted. It does not
// itself record anything; callers that attempt a call must follow up
// with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.isOpenLocked()
}

func (cb *CircuitBreaker) isOpenLocked() bool {
	if cb.failures < cb.threshold {
		return false
	}
	return cb.now().Sub(cb.lastFailureAt) < cb.cooldown
}

// State reports the breaker's current state for logging/introspection.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.isOpenLocked() {
		return StateOpen
	}
	return StateClosed
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	cb.mu.Unlock()
	cb.metrics.RecordSuccess(cb.name)
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.lastFailureAt = cb.now()
	cb.mu.Unlock()
	cb.metrics.RecordFailure(cb.name)
}

// Execute runs fn only if the breaker is closed, recording the outcome.
// It returns ErrCircuitOpen without calling fn when the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.CanExecute() {
		cb.metrics.RecordRejection(cb.name)
		return core.ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Reset clears the failure count, forcing the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.mu.Unlock()
}

// Registry keeps one CircuitBreaker per named engine family, matching
// the spec's "one circuit breaker per engine family" requirement.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	cooldown  time.Duration
	metrics   MetricsCollector
}

func NewRegistry(threshold int, cooldown time.Duration, metrics MetricsCollector) *Registry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		metrics:   metrics,
	}
}

func (r *Registry) Get(engine string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[engine]
	if !ok {
		cb = NewCircuitBreaker(engine, r.threshold, r.cooldown).WithMetrics(r.metrics)
		r.breakers[engine] = cb
	}
	return cb
}

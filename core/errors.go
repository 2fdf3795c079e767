package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is(). Grouped by the
// categories in the error handling design: safety, engine/transient,
// storage, configuration, protocol.
var (
	// Safety validation
	ErrSafetyViolation  = errors.New("safety violation")
	ErrConstraintBreach = errors.New("constraint breach")

	// Engine / provider / tools (IsTransient matches only ErrEngineUnavailable
	// and ErrEngineTimeout of this group)
	ErrEngineUnavailable  = errors.New("engine unavailable")
	ErrEngineTimeout      = errors.New("engine timeout")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrMaxStepsExceeded   = errors.New("workflow max steps exceeded")
	ErrToolNotFound       = errors.New("tool not found")
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// Storage
	ErrStoreClosed     = errors.New("decision store closed")
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateRecord = errors.New("duplicate record")

	// Configuration
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Protocol / transport
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrConnectionFailed  = errors.New("connection failed")
)

// CortexError wraps an underlying error with the operation and category
// it failed in, so callers can log structured context while still using
// errors.Is/errors.As against the sentinel values above.
type CortexError struct {
	Op      string // e.g. "engine.Dispatch", "store.RecordDecision"
	Kind    string // e.g. "safety", "engine", "store", "config", "protocol"
	Message string
	Err     error
}

func (e *CortexError) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *CortexError) Unwrap() error {
	return e.Err
}

func NewCortexError(op, kind string, err error) *CortexError {
	return &CortexError{Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err is a condition the circuit breaker
// should count as a failure and the engine dispatcher should retry on
// the next cycle rather than surface to the operator.
func IsTransient(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) ||
		errors.Is(err, ErrEngineTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsSafetyViolation reports whether err originates from the deterministic
// safety validator rejecting a candidate outright (not merely clamping it).
func IsSafetyViolation(err error) bool {
	return errors.Is(err, ErrSafetyViolation) || errors.Is(err, ErrConstraintBreach)
}

// IsConfig reports whether err is a configuration problem that should
// fail fast at startup rather than degrade gracefully at runtime.
func IsConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrMissingConfiguration)
}

// IsNotFound reports whether err represents a missing record or tool.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrToolNotFound)
}

// Package safety implements the deterministic candidate validator (C3):
// the only place that is allowed to call a recommendation "approved".
package safety

import (
	"fmt"
	"math"

	"github.com/neuroplc/cortex/core"
)

// Validator enforces the safety envelope described by a Constraints
// value against a candidate recommendation.
type Validator struct {
	// RateLimitIsViolation controls whether a rate-limit clamp is
	// recorded as a violation (default, matching this implementation's
	// chosen behavior for scenario (b)) or only as a warning (the
	// original source's behavior, for an integrator who wants it).
	RateLimitIsViolation bool
}

func NewValidator() *Validator {
	return &Validator{RateLimitIsViolation: true}
}

// ValidationResult is the validator's verdict plus the (possibly
// clamped) target it computed.
type ValidationResult struct {
	Approved       bool
	Violations     []string
	Warnings       []string
	TargetSpeedRPM float64
}

// Validate runs the five-step algorithm against candidate, mutating a
// working target as it goes, and returns the final verdict.
func (v *Validator) Validate(candidate core.Candidate, obs core.Observation, constraints core.Constraints) ValidationResult {
	var violations, warnings []string
	target := candidate.TargetSpeedRPM

	if !isFinite(target) {
		violations = append(violations, "target_speed_rpm is not finite")
		target = 0.0
	}

	if !isFinite(obs.MotorSpeedRPM) || !isFinite(obs.MotorTempC) {
		violations = append(violations, "sensor values are not finite")
	}

	if target < constraints.MinSpeedRPM || target > constraints.MaxSpeedRPM {
		violations = append(violations, fmt.Sprintf(
			"target_speed_rpm %v out of bounds [%v, %v]",
			target, constraints.MinSpeedRPM, constraints.MaxSpeedRPM))
		target = clamp(target, constraints.MinSpeedRPM, constraints.MaxSpeedRPM)
	}

	delta := target - obs.MotorSpeedRPM
	if math.Abs(delta) > constraints.MaxRateRPM {
		msg := fmt.Sprintf("rate_limit applied (%.2f > %v)", math.Abs(delta), constraints.MaxRateRPM)
		if v.RateLimitIsViolation {
			violations = append(violations, msg)
		} else {
			warnings = append(warnings, msg)
		}
		if delta > 0 {
			target = obs.MotorSpeedRPM + constraints.MaxRateRPM
		} else {
			target = obs.MotorSpeedRPM - constraints.MaxRateRPM
		}
	}

	if obs.MotorTempC > constraints.MaxTempC {
		violations = append(violations, fmt.Sprintf(
			"temperature interlock %v > %v", obs.MotorTempC, constraints.MaxTempC))
	}

	return ValidationResult{
		Approved:       len(violations) == 0,
		Violations:     violations,
		Warnings:       warnings,
		TargetSpeedRPM: target,
	}
}

// Materialize runs Validate and folds the result into a full
// Recommendation carrying the given trace_id.
func (v *Validator) Materialize(candidate core.Candidate, obs core.Observation, constraints core.Constraints, traceID string) core.Recommendation {
	result := v.Validate(candidate, obs, constraints)
	return core.Recommendation{
		Action:         candidate.Action,
		TargetSpeedRPM: result.TargetSpeedRPM,
		Confidence:     candidate.Confidence,
		Reasoning:      candidate.Reasoning,
		Approved:       result.Approved,
		Violations:     result.Violations,
		Warnings:       result.Warnings,
		TraceID:        traceID,
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

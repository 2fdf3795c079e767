package safety

import (
	"math"
	"testing"

	"github.com/neuroplc/cortex/core"
)

func defaultConstraints() core.Constraints {
	return core.Constraints{MinSpeedRPM: 0, MaxSpeedRPM: 3000, MaxRateRPM: 50, MaxTempC: 80, StalenessUs: 500_000}
}

func TestOutOfBoundsTargetIsClampedAndViolated(t *testing.T) {
	v := NewValidator()
	obs := core.Observation{MotorSpeedRPM: 3000, MotorTempC: 40}
	candidate := core.Candidate{Action: core.ActionAdjustSetpoint, TargetSpeedRPM: 5000, Confidence: 0.9}

	result := v.Validate(candidate, obs, defaultConstraints())

	if result.Approved {
		t.Fatal("expected out-of-bounds target to be rejected")
	}
	if result.TargetSpeedRPM != 3000 {
		t.Fatalf("expected clamp to max 3000, got %v", result.TargetSpeedRPM)
	}
}

func TestRateLimitBreachIsViolationByDefault(t *testing.T) {
	v := NewValidator()
	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40}
	candidate := core.Candidate{Action: core.ActionAdjustSetpoint, TargetSpeedRPM: 1200, Confidence: 0.9}

	result := v.Validate(candidate, obs, defaultConstraints())

	if result.Approved {
		t.Fatal("expected rate-limit breach to be a violation by default")
	}
	if result.TargetSpeedRPM != 1050 {
		t.Fatalf("expected clamp to observed+max_rate=1050, got %v", result.TargetSpeedRPM)
	}
}

func TestRateLimitBreachIsWarningWhenConfigured(t *testing.T) {
	v := NewValidator()
	v.RateLimitIsViolation = false
	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40}
	candidate := core.Candidate{Action: core.ActionAdjustSetpoint, TargetSpeedRPM: 1200, Confidence: 0.9}

	result := v.Validate(candidate, obs, defaultConstraints())

	if !result.Approved {
		t.Fatalf("expected approval when rate limit is warning-only, got violations=%v", result.Violations)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", result.Warnings)
	}
}

func TestTemperatureInterlockDoesNotModifyTarget(t *testing.T) {
	v := NewValidator()
	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 95}
	candidate := core.Candidate{Action: core.ActionAdjustSetpoint, TargetSpeedRPM: 1010, Confidence: 0.9}

	result := v.Validate(candidate, obs, defaultConstraints())

	if result.Approved {
		t.Fatal("expected temperature interlock to reject")
	}
	if result.TargetSpeedRPM != 1010 {
		t.Fatalf("temperature interlock must not further modify target, got %v", result.TargetSpeedRPM)
	}
}

func TestNonFiniteTargetIsZeroedAndViolated(t *testing.T) {
	v := NewValidator()
	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40}
	candidate := core.Candidate{Action: core.ActionAdjustSetpoint, TargetSpeedRPM: math.NaN(), Confidence: 0.9}

	result := v.Validate(candidate, obs, defaultConstraints())

	if result.Approved {
		t.Fatal("expected NaN target to be rejected")
	}
	// Zeroed to 0 (within bounds), then rate-clamped from the observed
	// 1000 rpm: 1000 - max_rate_rpm (50) = 950.
	if result.TargetSpeedRPM != 950 {
		t.Fatalf("expected non-finite target zeroed then rate-clamped to 950, got %v", result.TargetSpeedRPM)
	}
}

func TestApprovedWhenWithinEnvelope(t *testing.T) {
	v := NewValidator()
	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40}
	candidate := core.Candidate{Action: core.ActionAdjustSetpoint, TargetSpeedRPM: 1020, Confidence: 0.9}

	result := v.Validate(candidate, obs, defaultConstraints())

	if !result.Approved {
		t.Fatalf("expected approval, got violations=%v", result.Violations)
	}
	if result.TargetSpeedRPM != 1020 {
		t.Fatalf("expected untouched target, got %v", result.TargetSpeedRPM)
	}
}

package learning

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cortex.db"), 10000)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func recordDecision(t *testing.T, s *store.Store, traceID string, ts uint64, obs core.Observation, confidence float64, accepted *bool) {
	t.Helper()
	ctx := context.Background()
	rec := core.DecisionRecord{
		TraceID: traceID, TimestampUs: ts, Observation: obs,
		Candidate: core.Candidate{Action: core.ActionAdjustSetpoint, TargetSpeedRPM: obs.MotorSpeedRPM, Confidence: confidence},
		Constraints: core.DefaultConstraints(), Engine: "baseline", Approved: true,
	}
	if err := s.RecordDecision(ctx, rec); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if accepted != nil {
		if _, err := s.RecordFeedback(ctx, core.OutcomeFeedback{TraceID: traceID, SpineAccepted: *accepted}); err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func TestComputeAdjustedConfidenceWithNoHistoryIsConservative(t *testing.T) {
	l := New(DefaultConfig(), openTestStore(t))
	got := l.ComputeAdjustedConfidence(context.Background(), 1.0, core.Observation{MotorTempC: 40, MotorSpeedRPM: 1000}, "")
	if got != 0.8 {
		t.Fatalf("expected 0.8 conservative multiplier, got %v", got)
	}
}

func TestComputeAdjustedConfidenceUsesBucketSuccessRate(t *testing.T) {
	s := openTestStore(t)
	obs := core.Observation{MotorTempC: 40, MotorSpeedRPM: 1500}
	recordDecision(t, s, "t1", 1000, obs, 0.9, boolPtr(true))
	recordDecision(t, s, "t2", 2000, obs, 0.9, boolPtr(true))
	recordDecision(t, s, "t3", 3000, obs, 0.9, boolPtr(false))

	l := New(DefaultConfig(), s)
	got := l.ComputeAdjustedConfidence(context.Background(), 1.0, obs, "")
	// success_rate = 2/3; multiplier = 0.5 + 0.5*(2/3) = 0.8333...
	want := 0.5 + 0.5*(2.0/3.0)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected adjusted confidence %.6f, got %.6f", want, got)
	}
}

func TestGetSuccessWeightedSimilarFiltersByThreshold(t *testing.T) {
	s := openTestStore(t)
	near := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40, PressureBar: 3}
	far := core.Observation{MotorSpeedRPM: 4000, MotorTempC: 120, PressureBar: 18}
	recordDecision(t, s, "near", 1000, near, 0.9, boolPtr(true))
	recordDecision(t, s, "far", 2000, far, 0.9, boolPtr(true))

	l := New(DefaultConfig(), s)
	results, err := l.GetSuccessWeightedSimilar(context.Background(), near, 5, 0.9)
	if err != nil {
		t.Fatalf("GetSuccessWeightedSimilar: %v", err)
	}
	if len(results) != 1 || results[0].TraceID != "near" {
		t.Fatalf("expected only the near scenario to clear threshold, got %+v", results)
	}
}

func TestGetFewShotExamplesOnlyIncludesAcceptedHighConfidence(t *testing.T) {
	s := openTestStore(t)
	obs := core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40, PressureBar: 3}
	recordDecision(t, s, "accepted-high", 1000, obs, 0.9, boolPtr(true))
	recordDecision(t, s, "accepted-low", 2000, obs, 0.5, boolPtr(true))
	recordDecision(t, s, "rejected-high", 3000, obs, 0.9, boolPtr(false))

	l := New(DefaultConfig(), s)
	examples, err := l.GetFewShotExamples(context.Background(), obs, 5, 0.8)
	if err != nil {
		t.Fatalf("GetFewShotExamples: %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("expected exactly one qualifying example, got %d: %+v", len(examples), examples)
	}
}

func TestRecordOutcomeInvalidatesCache(t *testing.T) {
	s := openTestStore(t)
	obs := core.Observation{MotorTempC: 40, MotorSpeedRPM: 1500}
	recordDecision(t, s, "t1", 1000, obs, 0.9, nil)

	l := New(DefaultConfig(), s)
	ctx := context.Background()
	before := l.ComputeAdjustedConfidence(ctx, 1.0, obs, "")

	ok, err := l.RecordOutcome(ctx, "t1", true, nil)
	if err != nil || !ok {
		t.Fatalf("RecordOutcome: ok=%v err=%v", ok, err)
	}

	after := l.ComputeAdjustedConfidence(ctx, 1.0, obs, "")
	if after == before {
		t.Fatalf("expected cache invalidation to reflect new outcome, before=%v after=%v", before, after)
	}
}

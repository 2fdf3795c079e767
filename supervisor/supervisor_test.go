package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/neuroplc/cortex/cache"
	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/engine"
	"github.com/neuroplc/cortex/resilience"
	"github.com/neuroplc/cortex/safety"
	"github.com/neuroplc/cortex/store"
	"github.com/neuroplc/cortex/tools"
)

func newTestDispatcher(rec engine.Recommender) *engine.Dispatcher {
	cfg := engine.DefaultConfig()
	cfg.WarmupCycles = 0
	cfg.DecisionPeriod = 0
	return engine.NewDispatcher(cfg, resilience.NewRegistry(5, 30*time.Second, nil), rec)
}

func stateLine(speed, temp, pressure float64, unixUs uint64) []byte {
	frame := InboundFrame{
		Type:          "state",
		TimestampUs:   unixUs,
		UnixUs:        unixUs,
		CycleCount:    1,
		SafetyState:   "normal",
		MotorSpeedRPM: speed,
		MotorTempC:    temp,
		PressureBar:   pressure,
	}
	data, _ := json.Marshal(frame)
	return data
}

func TestProcessLineSkipsNonStateFrame(t *testing.T) {
	s := New(Deps{Constraints: core.DefaultConstraints(), Validator: safety.NewValidator(), Engine: newTestDispatcher(engine.NewBaseline())})
	out, err := s.ProcessLine(context.Background(), []byte(`{"type":"hello"}`))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	if out != nil {
		t.Fatalf("expected a skipped frame, got %+v", out)
	}
}

func TestProcessLineSkipsMalformedJSON(t *testing.T) {
	s := New(Deps{Constraints: core.DefaultConstraints(), Validator: safety.NewValidator(), Engine: newTestDispatcher(engine.NewBaseline())})
	out, err := s.ProcessLine(context.Background(), []byte(`not json`))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	if out != nil {
		t.Fatalf("expected a skipped frame, got %+v", out)
	}
}

func TestProcessLineEmitsApprovedRecommendationWithTarget(t *testing.T) {
	s := New(Deps{Constraints: core.DefaultConstraints(), Validator: safety.NewValidator(), Engine: newTestDispatcher(engine.NewBaseline())})
	out, err := s.ProcessLine(context.Background(), stateLine(1500, 60, 4, 1_000_000))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	if out == nil {
		t.Fatal("expected an outbound frame")
	}
	if out.TargetSpeedRPM == nil {
		t.Fatal("expected a non-nil target for an approved recommendation")
	}
	if *out.TargetSpeedRPM != 1500 {
		t.Fatalf("expected hold at 1500, got %v", *out.TargetSpeedRPM)
	}
	if out.Type != "recommendation" || out.Sequence != 1 {
		t.Fatalf("unexpected frame shape: %+v", out)
	}
}

type fixedCandidateRecommender struct{ candidate core.Candidate }

func (f fixedCandidateRecommender) Name() string { return "fixed" }

func (f fixedCandidateRecommender) Recommend(context.Context, core.Observation, core.Constraints, *tools.AgentContext) (core.Candidate, error) {
	return f.candidate, nil
}

func TestProcessLineNullsTargetWhenNotApproved(t *testing.T) {
	rec := fixedCandidateRecommender{candidate: core.Candidate{Action: core.ActionAdjustSetpoint, TargetSpeedRPM: 9999, Confidence: 1}}
	s := New(Deps{Constraints: core.DefaultConstraints(), Validator: safety.NewValidator(), Engine: newTestDispatcher(rec)})

	out, err := s.ProcessLine(context.Background(), stateLine(1000, 40, 3, 1_000_000))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	if out.TargetSpeedRPM != nil {
		t.Fatalf("expected a nil target for an unapproved recommendation, got %v", *out.TargetSpeedRPM)
	}
	if out.Confidence != 0 {
		t.Fatalf("expected confidence 0 for an unapproved recommendation, got %v", out.Confidence)
	}
}

func TestProcessLineSequenceIncreasesMonotonically(t *testing.T) {
	s := New(Deps{Constraints: core.DefaultConstraints(), Validator: safety.NewValidator(), Engine: newTestDispatcher(engine.NewBaseline())})

	first, err := s.ProcessLine(context.Background(), stateLine(1000, 40, 3, 1_000_000))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	second, err := s.ProcessLine(context.Background(), stateLine(1000, 40, 3, 2_000_000))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	if second.Sequence <= first.Sequence {
		t.Fatalf("expected strictly increasing sequence, got %d then %d", first.Sequence, second.Sequence)
	}
}

func TestProcessLineSignsAuthTokenWhenEnabled(t *testing.T) {
	auth := NewTokenIssuer("s3cret", "cortex", "spine", "neuroplc", []string{"recommendation.v1"}, 30)
	s := New(Deps{Constraints: core.DefaultConstraints(), Validator: safety.NewValidator(), Engine: newTestDispatcher(engine.NewBaseline()), Auth: auth})

	out, err := s.ProcessLine(context.Background(), stateLine(1000, 40, 3, 1_000_000))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	if out.AuthToken == "" {
		t.Fatal("expected a signed auth token")
	}
	if _, err := VerifyToken([]byte("s3cret"), out.AuthToken); err != nil {
		t.Fatalf("expected the emitted token to verify, got %v", err)
	}
}

type countingRecommender struct {
	calls int
	core.Candidate
}

func (c *countingRecommender) Name() string { return "counting" }

func (c *countingRecommender) Recommend(context.Context, core.Observation, core.Constraints, *tools.AgentContext) (core.Candidate, error) {
	c.calls++
	return c.Candidate, nil
}

func TestProcessLineCacheHitSkipsEngineDispatch(t *testing.T) {
	rec := &countingRecommender{Candidate: core.Candidate{Action: core.ActionHold, TargetSpeedRPM: 1500, Confidence: 0.9}}
	semCache := cache.New(cache.Config{SimilarityThreshold: 0.95, TTL: time.Minute, Capacity: 10})
	s := New(Deps{
		Constraints: core.DefaultConstraints(),
		Validator:   safety.NewValidator(),
		Engine:      newTestDispatcher(rec),
		Cache:       semCache,
	})

	first, err := s.ProcessLine(context.Background(), stateLine(1500, 60, 4, 1_000_000))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected the engine to run once on a cache miss, got %d calls", rec.calls)
	}
	if first.TargetSpeedRPM == nil || *first.TargetSpeedRPM != 1500 {
		t.Fatalf("expected the first cycle to emit the engine's target, got %+v", first.TargetSpeedRPM)
	}

	// A near-identical second observation under the same constraints
	// should hit the cache and never reach the engine again.
	second, err := s.ProcessLine(context.Background(), stateLine(1501, 60, 4, 2_000_000))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected a cache hit to skip re-dispatch, got %d engine calls", rec.calls)
	}
	if second.TargetSpeedRPM == nil || *second.TargetSpeedRPM != 1500 {
		t.Fatalf("expected the cached target to be reused, got %+v", second.TargetSpeedRPM)
	}
}

func TestProcessLineReasoningHashMatchesPersistedRecord(t *testing.T) {
	st, err := store.Open(t.TempDir()+"/cortex.db", 10000)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := New(Deps{Constraints: core.DefaultConstraints(), Validator: safety.NewValidator(), Engine: newTestDispatcher(engine.NewBaseline()), Store: st})

	out, err := s.ProcessLine(context.Background(), stateLine(1500, 60, 4, 1_000_000))
	if err != nil {
		t.Fatalf("ProcessLine: %v", err)
	}

	decisions, err := st.QueryDecisions(context.Background(), store.QueryFilter{Limit: 1})
	if err != nil {
		t.Fatalf("QueryDecisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected exactly one persisted decision, got %d", len(decisions))
	}
	rec := decisions[0]

	envelope := Envelope{
		ObservationHash: rec.ObservationHash,
		ConstraintsHash: rec.ConstraintsHash,
		Candidate:       rec.Candidate,
		TraceID:         rec.TraceID,
		Approved:        rec.Approved,
		Violations:      rec.Violations,
		Warnings:        rec.Warnings,
		Engine:          rec.Engine,
	}
	recomputed, err := core.HashEnvelope(envelope)
	if err != nil {
		t.Fatalf("HashEnvelope: %v", err)
	}
	if recomputed != out.ReasoningHash {
		t.Fatalf("expected reconstructed hash %q to equal emitted hash %q", recomputed, out.ReasoningHash)
	}
}

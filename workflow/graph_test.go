package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/neuroplc/cortex/ai/providers/mock"
	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/tools"
)

func baseState() core.AgentState {
	return core.AgentState{
		Observation: core.Observation{MotorSpeedRPM: 1000, MotorTempC: 40, PressureBar: 3, SafetyState: "normal"},
		Constraints: core.DefaultConstraints(),
	}
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestInvokeApprovesCleanRecommendation(t *testing.T) {
	p := mock.New("")
	p.QueueResponse(core.ProviderResponse{Content: `{"action":"hold","target_speed_rpm":1000,"confidence":0.8,"reasoning":"steady"}`})

	g := New(DefaultConfig(), p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{}, fixedNow(time.Unix(100, 0)))

	if final.Candidate == nil {
		t.Fatal("expected a candidate")
	}
	if final.Candidate.Action != core.ActionHold {
		t.Fatalf("expected hold action, got %v", final.Candidate.Action)
	}
	if final.CriticFeedback != nil && !final.CriticFeedback.Approved {
		t.Fatalf("expected no rejecting critic feedback, got %+v", final.CriticFeedback)
	}
}

func TestInvokeFallsBackOnEmptyResponse(t *testing.T) {
	p := mock.New("")
	p.QueueResponse(core.ProviderResponse{Content: ""})

	g := New(DefaultConfig(), p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{}, fixedNow(time.Unix(100, 0)))

	if final.Candidate == nil || final.Candidate.Action != core.ActionFallback {
		t.Fatalf("expected fallback candidate, got %+v", final.Candidate)
	}
	if final.Candidate.Confidence != 0.3 {
		t.Fatalf("expected fallback confidence 0.3, got %v", final.Candidate.Confidence)
	}
}

func TestInvokeFallsBackOnUnparseableJSON(t *testing.T) {
	p := mock.New("")
	p.QueueResponse(core.ProviderResponse{Content: "not json"})

	g := New(DefaultConfig(), p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{}, fixedNow(time.Unix(100, 0)))

	if final.Candidate == nil || final.Candidate.Action != core.ActionFallback {
		t.Fatalf("expected fallback candidate, got %+v", final.Candidate)
	}
}

func TestInvokeExecutesToolCallsBeforeRecommendation(t *testing.T) {
	p := mock.New("")
	p.QueueResponse(core.ProviderResponse{
		ToolCalls: []core.ToolCall{{ID: "1", Name: "get_constraints", Arguments: map[string]interface{}{}}},
	})
	p.QueueResponse(core.ProviderResponse{Content: `{"action":"hold","target_speed_rpm":1000,"confidence":0.8,"reasoning":"ok"}`})

	g := New(DefaultConfig(), p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{Constraints: core.DefaultConstraints()}, fixedNow(time.Unix(100, 0)))

	if final.Candidate == nil {
		t.Fatal("expected a candidate after the tool-call round trip")
	}
	if len(final.ToolTraces) != 1 || final.ToolTraces[0].Name != "get_constraints" {
		t.Fatalf("expected one recorded tool trace, got %+v", final.ToolTraces)
	}
}

func TestInvokeClampsOutOfBoundsTargetAndRejects(t *testing.T) {
	p := mock.New("")
	p.QueueResponse(core.ProviderResponse{Content: `{"action":"adjust_setpoint","target_speed_rpm":9999,"confidence":0.9,"reasoning":"too fast"}`})

	g := New(DefaultConfig(), p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{}, fixedNow(time.Unix(100, 0)))

	if final.Candidate == nil {
		t.Fatal("expected a candidate")
	}
	// Bounds-clamp to max_speed_rpm (3000) is itself still outside the
	// rate limit from the observed 1000 rpm, so the rate-limit clamp
	// applies second and wins: 1000 + max_rate_rpm (50) = 1050.
	want := baseState().Observation.MotorSpeedRPM + core.DefaultConstraints().MaxRateRPM
	if final.Candidate.TargetSpeedRPM != want {
		t.Fatalf("expected target clamped to %v, got %v", want, final.Candidate.TargetSpeedRPM)
	}
	if final.CriticFeedback == nil || final.CriticFeedback.Approved {
		t.Fatalf("expected deterministic rejection feedback, got %+v", final.CriticFeedback)
	}
}

func TestInvokeFallsBackWhenToolCallsNeverResolve(t *testing.T) {
	p := mock.New("")
	for i := 0; i < 10; i++ {
		p.QueueResponse(core.ProviderResponse{
			ToolCalls: []core.ToolCall{{ID: "1", Name: "get_constraints", Arguments: map[string]interface{}{}}},
		})
	}

	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	g := New(cfg, p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{Constraints: core.DefaultConstraints()}, fixedNow(time.Unix(100, 0)))

	if final.Candidate == nil || final.Candidate.Action != core.ActionFallback {
		t.Fatalf("expected fallback after exhausting max steps, got %+v", final.Candidate)
	}
}

func TestInvokeWithCriticApprovesValidCandidate(t *testing.T) {
	p := mock.New("")
	p.QueueResponse(core.ProviderResponse{Content: `{"action":"hold","target_speed_rpm":1000,"confidence":0.8,"reasoning":"ok"}`})
	p.QueueResponse(core.ProviderResponse{Content: `{"approved":true,"reason":"looks safe","violations":[]}`})

	cfg := DefaultConfig()
	cfg.EnableCritic = true
	g := New(cfg, p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{}, fixedNow(time.Unix(100, 0)))

	if final.Candidate == nil {
		t.Fatal("expected a candidate")
	}
	if final.CriticFeedback == nil || !final.CriticFeedback.Approved {
		t.Fatalf("expected critic approval, got %+v", final.CriticFeedback)
	}
}

func TestInvokeBoundsCriticRetryAcrossSteps(t *testing.T) {
	p := mock.New("")
	// Two laps, each a clean recommendation the critic rejects outright.
	// StepCount must survive both laps for the retry gate to ever trip.
	p.QueueResponse(core.ProviderResponse{Content: `{"action":"hold","target_speed_rpm":1000,"confidence":0.8,"reasoning":"ok"}`})
	p.QueueResponse(core.ProviderResponse{Content: `{"approved":false,"reason":"too risky","violations":["nope"]}`})
	p.QueueResponse(core.ProviderResponse{Content: `{"action":"hold","target_speed_rpm":1000,"confidence":0.8,"reasoning":"ok"}`})
	p.QueueResponse(core.ProviderResponse{Content: `{"approved":false,"reason":"still too risky","violations":["nope"]}`})

	cfg := DefaultConfig()
	cfg.EnableCritic = true
	cfg.MaxSteps = 3
	g := New(cfg, p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{}, fixedNow(time.Unix(100, 0)))

	if final.Candidate == nil || final.Candidate.Action != core.ActionFallback {
		t.Fatalf("expected the retry gate to trip into fallback, got %+v", final.Candidate)
	}
	if final.StepCount != cfg.MaxSteps-1 {
		t.Fatalf("expected StepCount to have accumulated across both critic-retry laps to %d, got %d", cfg.MaxSteps-1, final.StepCount)
	}
}

func TestInvokeCriticParseFailureApprovesByDefault(t *testing.T) {
	p := mock.New("")
	p.QueueResponse(core.ProviderResponse{Content: `{"action":"hold","target_speed_rpm":1000,"confidence":0.8,"reasoning":"ok"}`})
	p.QueueResponse(core.ProviderResponse{Content: "not json"})

	cfg := DefaultConfig()
	cfg.EnableCritic = true
	g := New(cfg, p)
	final := g.Invoke(context.Background(), baseState(), &tools.AgentContext{}, fixedNow(time.Unix(100, 0)))

	if final.CriticFeedback == nil || !final.CriticFeedback.Approved {
		t.Fatalf("expected default approval on critic parse failure, got %+v", final.CriticFeedback)
	}
}

func TestFinalizeComputesLatencyFromStartTime(t *testing.T) {
	p := mock.New("")
	p.QueueResponse(core.ProviderResponse{Content: `{"action":"hold","target_speed_rpm":1000,"confidence":0.8,"reasoning":"ok"}`})

	g := New(DefaultConfig(), p)
	state := baseState()
	start := time.Unix(100, 0)
	state.StartTimeUnixMs = start.UnixMilli()

	later := start.Add(250 * time.Millisecond)
	final := g.Invoke(context.Background(), state, &tools.AgentContext{}, fixedNow(later))

	if final.LatencyMs != 250 {
		t.Fatalf("expected latency_ms 250, got %d", final.LatencyMs)
	}
}

// Package engine implements engine dispatch (C11): the layer that picks
// which recommender answers a given cycle, enforces per-engine circuit
// breaker discipline, throttles how often a fresh recommendation is
// computed, and applies the supervisor-level warmup and attack-mode
// overrides before a candidate ever reaches the safety validator.
package engine

import (
	"context"
	"time"

	"github.com/neuroplc/cortex/ai"
	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/resilience"
	"github.com/neuroplc/cortex/tools"
	"github.com/neuroplc/cortex/workflow"
)

// Recommender produces a Candidate from one observation. Implementations
// are opaque to the dispatcher: baseline is a rule table, ml wraps a
// bounded predictor, agent drives the workflow graph.
type Recommender interface {
	Name() string
	Recommend(ctx context.Context, obs core.Observation, constraints core.Constraints, ac *tools.AgentContext) (core.Candidate, error)
}

// Config tunes the dispatcher. DecisionPeriod throttles recompute
// frequency; Warmup/AttackCadence implement the supervisor's startup and
// fault-injection overrides.
type Config struct {
	DecisionPeriod time.Duration
	WarmupCycles   int
	AttackMode     bool
	AttackCadence  int
}

func DefaultConfig() Config {
	return Config{
		DecisionPeriod: time.Second,
		WarmupCycles:   5,
		AttackMode:     false,
		AttackCadence:  10,
	}
}

// Dispatcher owns the breaker registry, the decision-period throttle
// state, and the cycle counter that drives warmup/attack overrides.
type Dispatcher struct {
	cfg      Config
	breakers *resilience.Registry
	now      func() time.Time

	active Recommender

	lastCandidate  core.Candidate
	lastComputedAt time.Time
	haveLast       bool
	cycle          uint64
}

func NewDispatcher(cfg Config, breakers *resilience.Registry, active Recommender) *Dispatcher {
	return &Dispatcher{cfg: cfg, breakers: breakers, active: active, now: time.Now}
}

// WithClock overrides the dispatcher's time source, for deterministic tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// Active returns the recommender this dispatcher currently drives, so
// callers can type-assert for engine-specific extras (see Detailer).
func (d *Dispatcher) Active() Recommender {
	return d.active
}

// Dispatch runs one cycle: staleness gate, warmup hold, attack-mode
// injection, decision-period throttle, then (if none of those short
// circuit it) the active recommender under its engine's circuit breaker.
func (d *Dispatcher) Dispatch(ctx context.Context, obs core.Observation, constraints core.Constraints, ac *tools.AgentContext) (core.Candidate, string, error) {
	d.cycle++
	cycle := d.cycle
	now := d.now()

	if !obs.IsUsable() || d.stale(obs, constraints, now) {
		return core.Candidate{Action: core.ActionFallback, TargetSpeedRPM: obs.MotorSpeedRPM, Confidence: 0, Reasoning: "stale or non-finite observation"}, "fallback", nil
	}

	if cycle <= uint64(d.cfg.WarmupCycles) {
		return core.Candidate{
			Action:         core.ActionHold,
			TargetSpeedRPM: obs.MotorSpeedRPM,
			Confidence:     1.0,
			Reasoning:      "warmup: holding current setpoint",
		}, "warmup", nil
	}

	if d.cfg.AttackMode && d.cfg.AttackCadence > 0 && cycle%uint64(d.cfg.AttackCadence) == 0 {
		return core.Candidate{
			Action:         core.ActionAdjustSetpoint,
			TargetSpeedRPM: 5000.0,
			Confidence:     0.2,
			Reasoning:      "attack-mode cadence injection",
		}, "attack", nil
	}

	if d.haveLast && d.cfg.DecisionPeriod > 0 && now.Sub(d.lastComputedAt) < d.cfg.DecisionPeriod {
		return d.lastCandidate, d.active.Name(), nil
	}

	engineName := d.active.Name()
	cb := d.breakers.Get(engineName)

	var candidate core.Candidate
	err := cb.Execute(func() error {
		c, recErr := d.active.Recommend(ctx, obs, constraints, ac)
		if recErr != nil {
			return recErr
		}
		candidate = c
		return nil
	})
	if err != nil {
		return core.Candidate{
			Action:         core.ActionFallback,
			TargetSpeedRPM: obs.MotorSpeedRPM,
			Confidence:     0,
			Reasoning:      "engine unavailable: " + err.Error(),
		}, "fallback", nil
	}

	d.lastCandidate = candidate
	d.lastComputedAt = now
	d.haveLast = true
	return candidate, engineName, nil
}

func (d *Dispatcher) stale(obs core.Observation, constraints core.Constraints, now time.Time) bool {
	if constraints.StalenessUs == 0 || obs.UnixUs == 0 {
		return false
	}
	nowUs := uint64(now.UnixMicro())
	if nowUs < obs.UnixUs {
		return false
	}
	return nowUs-obs.UnixUs > constraints.StalenessUs
}

// Baseline implements the original rule-table recommender: simple
// temperature-threshold logic with no learned state.
type Baseline struct{}

func NewBaseline() *Baseline { return &Baseline{} }

func (b *Baseline) Name() string { return "baseline" }

func (b *Baseline) Recommend(_ context.Context, obs core.Observation, constraints core.Constraints, _ *tools.AgentContext) (core.Candidate, error) {
	switch {
	case obs.MotorTempC > 70:
		target := obs.MotorSpeedRPM - 200
		if target < constraints.MinSpeedRPM {
			target = constraints.MinSpeedRPM
		}
		return core.Candidate{
			Action:         core.ActionAdjustSetpoint,
			TargetSpeedRPM: target,
			Confidence:     0.9,
			Reasoning:      "temperature above 70C: reducing speed",
		}, nil
	case obs.MotorTempC < 50 && obs.MotorSpeedRPM < 2000:
		target := obs.MotorSpeedRPM + 200
		if target > constraints.MaxSpeedRPM {
			target = constraints.MaxSpeedRPM
		}
		return core.Candidate{
			Action:         core.ActionAdjustSetpoint,
			TargetSpeedRPM: target,
			Confidence:     0.85,
			Reasoning:      "temperature below 50C and speed below 2000: increasing speed",
		}, nil
	default:
		return core.Candidate{
			Action:         core.ActionHold,
			TargetSpeedRPM: obs.MotorSpeedRPM,
			Confidence:     0.8,
			Reasoning:      "within nominal envelope: holding",
		}, nil
	}
}

// Predictor is an opaque model: given an observation and recent history
// it returns a raw target speed and confidence, with no notion of rate
// limiting or bounds.
type Predictor interface {
	Predict(ctx context.Context, obs core.Observation, speedHistory, tempHistory []float64) (targetSpeedRPM, confidence float64, err error)
}

// ML wraps an opaque Predictor with the bounds-and-slew-rate discipline
// the spec requires of every engine, tracking the last applied target so
// repeated calls slew-limit against the engine's own prior output rather
// than the raw observation.
type ML struct {
	predictor      Predictor
	minSpeed       float64
	maxSpeed       float64
	maxRate        float64
	lastTarget     float64
	haveLastTarget bool
}

func NewML(predictor Predictor, constraints core.Constraints) *ML {
	return &ML{
		predictor: predictor,
		minSpeed:  constraints.MinSpeedRPM,
		maxSpeed:  constraints.MaxSpeedRPM,
		maxRate:   constraints.MaxRateRPM,
	}
}

func (m *ML) Name() string { return "ml" }

func (m *ML) Recommend(ctx context.Context, obs core.Observation, _ core.Constraints, ac *tools.AgentContext) (core.Candidate, error) {
	var speedHistory, tempHistory []float64
	if ac != nil {
		speedHistory, tempHistory = ac.SpeedHistory, ac.TempHistory
	}

	target, confidence, err := m.predictor.Predict(ctx, obs, speedHistory, tempHistory)
	if err != nil {
		return core.Candidate{}, err
	}

	clampedReason := ""
	if target < m.minSpeed {
		target = m.minSpeed
		clampedReason = "bounds"
	} else if target > m.maxSpeed {
		target = m.maxSpeed
		clampedReason = "bounds"
	}

	base := obs.MotorSpeedRPM
	if m.haveLastTarget {
		base = m.lastTarget
	}
	if delta := target - base; delta > m.maxRate {
		target = base + m.maxRate
		clampedReason = "rate_limit"
	} else if delta < -m.maxRate {
		target = base - m.maxRate
		clampedReason = "rate_limit"
	}

	m.lastTarget = target
	m.haveLastTarget = true

	reasoning := "ml prediction"
	if clampedReason != "" {
		reasoning = "ml prediction, clamped: " + clampedReason
	}
	return core.Candidate{
		Action:         core.ActionAdjustSetpoint,
		TargetSpeedRPM: target,
		Confidence:     confidence,
		Reasoning:      reasoning,
	}, nil
}

// EngineDetail carries the envelope fields only the agent engine can
// populate: LLM latency, the tool-call audit trail, and critic verdict.
type EngineDetail struct {
	Model        string
	LLMLatencyMs *int64
	ToolTraces   []core.ToolTrace
	Critic       *core.CriticFeedback
}

// Detailer is implemented by engines that can report extra envelope
// fields beyond the bare Candidate. The supervisor type-asserts for it
// after a successful Dispatch.
type Detailer interface {
	LastDetail() *EngineDetail
}

// Agent drives the workflow graph (C9) as a Recommender, the richest
// engine option: LLM planning, tool calls, deterministic validation and
// an optional critic pass.
type Agent struct {
	graph  *workflow.Graph
	model  string
	detail *EngineDetail
}

func NewAgent(cfg workflow.Config, provider ai.Provider) *Agent {
	return &Agent{graph: workflow.New(cfg, provider), model: provider.Model()}
}

func (a *Agent) Name() string { return "agent" }

func (a *Agent) Recommend(ctx context.Context, obs core.Observation, constraints core.Constraints, ac *tools.AgentContext) (core.Candidate, error) {
	state := core.AgentState{Observation: obs, Constraints: constraints}
	if ac != nil {
		state.SpeedHistory = ac.SpeedHistory
		state.TempHistory = ac.TempHistory
		state.LastRecommendation = ac.LastRecommendation
	}
	final := a.graph.Invoke(ctx, state, ac, nil)

	latency := final.LatencyMs
	a.detail = &EngineDetail{
		Model:        a.model,
		LLMLatencyMs: &latency,
		ToolTraces:   final.ToolTraces,
		Critic:       final.CriticFeedback,
	}

	if final.Candidate == nil {
		return core.Candidate{}, core.ErrEngineUnavailable
	}
	return *final.Candidate, nil
}

// LastDetail reports the envelope extras from the most recent Recommend
// call. Nil until the first call completes.
func (a *Agent) LastDetail() *EngineDetail {
	return a.detail
}

// TrendPredictor is a stand-in opaque Predictor grounded on the original
// ml_inference.py's approach when no trained model path is configured:
// it extrapolates from the mean of recent speed deltas rather than
// calling out to a real inference runtime, and reports low confidence
// when it has fewer than two history samples to diff.
type TrendPredictor struct {
	ModelPath string
	Horizon   float64
}

func NewTrendPredictor(modelPath string) *TrendPredictor {
	return &TrendPredictor{ModelPath: modelPath, Horizon: 1.0}
}

func (p *TrendPredictor) Predict(_ context.Context, obs core.Observation, speedHistory, _ []float64) (float64, float64, error) {
	if len(speedHistory) < 2 {
		return obs.MotorSpeedRPM, 0.5, nil
	}
	sum := 0.0
	for i := 1; i < len(speedHistory); i++ {
		sum += speedHistory[i] - speedHistory[i-1]
	}
	meanDelta := sum / float64(len(speedHistory)-1)
	target := obs.MotorSpeedRPM + meanDelta*p.Horizon
	return target, 0.75, nil
}

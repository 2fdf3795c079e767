// Package workflow implements the agentic workflow graph (C9): a
// bounded, single-threaded cooperative state machine that turns one
// observation into a validated recommendation candidate, optionally
// calling tools and an LLM provider along the way.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neuroplc/cortex/ai"
	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/safety"
	"github.com/neuroplc/cortex/tools"
)

const (
	plannerSystemPrompt = `You are a safety-first industrial motor controller supervisor.

Your task is to recommend a safe motor speed setpoint based on current sensor readings.

SAFETY RULES (MUST FOLLOW):
1. Never exceed max_speed_rpm from constraints
2. Never go below min_speed_rpm from constraints
3. Respect rate-of-change limits (max_rate_rpm per control cycle)
4. If temperature exceeds max_temp_c, recommend speed reduction
5. If uncertain, maintain current speed (action: "hold")

You may call tools to get additional information.

Return ONLY valid JSON matching the schema. No explanations outside JSON.`

	criticSystemPrompt = `You are a strict safety critic for an industrial motor controller.

Review the proposed recommendation and verify it respects ALL safety constraints:
1. Target speed within [min_speed_rpm, max_speed_rpm]
2. Rate of change within max_rate_rpm of current speed
3. Temperature below max_temp_c (if above, speed should decrease)
4. Values are finite (not NaN or Infinity)

Return JSON: {"approved": bool, "reason": string, "violations": [string]}`
)

// recommendationSchema is the JSON schema advertised to providers for
// structured-output requests and embedded in the planner's user prompt.
var recommendationSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action":           map[string]interface{}{"type": "string", "enum": []string{"adjust_setpoint", "hold", "fallback", "review"}},
		"target_speed_rpm": map[string]interface{}{"type": "number"},
		"confidence":       map[string]interface{}{"type": "number"},
		"reasoning":        map[string]interface{}{"type": "string"},
	},
	"required": []string{"action", "target_speed_rpm", "confidence", "reasoning"},
}

var criticResponseSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"approved":   map[string]interface{}{"type": "boolean"},
		"reason":     map[string]interface{}{"type": "string"},
		"violations": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
	"required": []string{"approved"},
}

// Config tunes one Graph's behavior.
type Config struct {
	Timeout              time.Duration
	EnableCritic         bool
	UseStructuredOutput  bool
	MaxSteps             int
	RateLimitIsViolation bool
}

func DefaultConfig() Config {
	return Config{
		Timeout:              2 * time.Second,
		EnableCritic:         false,
		UseStructuredOutput:  true,
		MaxSteps:             5,
		RateLimitIsViolation: true,
	}
}

// Graph runs the observe/plan/execute_tools/validate/critic/finalize
// state machine against a provider and tool registry.
type Graph struct {
	cfg       Config
	provider  ai.Provider
	validator *safety.Validator
}

func New(cfg Config, provider ai.Provider) *Graph {
	v := safety.NewValidator()
	v.RateLimitIsViolation = cfg.RateLimitIsViolation
	return &Graph{cfg: cfg, provider: provider, validator: v}
}

// Invoke runs the graph to completion against the given initial state
// and tool context, and returns the final state with its Candidate set.
// now is injectable so latency_ms is deterministic in tests.
func (g *Graph) Invoke(ctx context.Context, state core.AgentState, ac *tools.AgentContext, now func() time.Time) core.AgentState {
	if now == nil {
		now = time.Now
	}
	if state.MaxSteps == 0 {
		state.MaxSteps = g.cfg.MaxSteps
	}
	if state.StartTimeUnixMs == 0 {
		state.StartTimeUnixMs = now().UnixMilli()
	}

	state = g.observe(state)

	// Outer loop re-enters planning on a critic rejection without
	// calling observe again, so StepCount accumulates across the whole
	// invocation rather than resetting every retry — the bound in
	// shouldContinueAfterCritic (step_count < max_steps-1) only holds
	// total node executions to 2*max_steps+4 if the counter survives
	// every lap.
	for {
		for {
			state = g.plan(ctx, state)

			next := shouldContinuePlanning(state)
			if next == "fallback" {
				return g.fallback(state, now)
			}
			if next == "execute_tools" {
				state = g.executeTools(ctx, state, ac)
				continue
			}
			break // "validate"
		}

		state = g.validate(state)

		if !g.cfg.EnableCritic {
			return g.finalize(state, now)
		}

		state = g.critic(ctx, state)

		next := shouldContinueAfterCritic(state)
		if next == "fallback" {
			return g.fallback(state, now)
		}
		if next == "plan" {
			state.CriticFeedback = nil
			continue
		}
		return g.finalize(state, now)
	}
}

func (g *Graph) observe(state core.AgentState) core.AgentState {
	obs := state.Observation
	constraints := state.Constraints

	userPayload := map[string]interface{}{
		"current_state": map[string]interface{}{
			"motor_speed_rpm": obs.MotorSpeedRPM,
			"motor_temp_c":    obs.MotorTempC,
			"pressure_bar":    obs.PressureBar,
			"safety_state":    obs.SafetyState,
		},
		"constraints_summary": map[string]interface{}{
			"max_speed_rpm": constraints.MaxSpeedRPM,
			"min_speed_rpm": constraints.MinSpeedRPM,
			"max_rate_rpm":  constraints.MaxRateRPM,
			"max_temp_c":    constraints.MaxTempC,
		},
		"response_schema": recommendationSchema,
		"instructions":    "Analyze the state and return a JSON recommendation. Use tools if needed.",
	}
	userContent, _ := json.Marshal(userPayload)

	state.Messages = []core.Message{
		{Role: core.RoleSystem, Content: plannerSystemPrompt},
		{Role: core.RoleUser, Content: string(userContent)},
	}
	state.StepCount = 0
	return state
}

func (g *Graph) plan(ctx context.Context, state core.AgentState) core.AgentState {
	stepCount := state.StepCount + 1
	state.StepCount = stepCount

	isFinalStep := stepCount >= state.MaxSteps-1
	shouldUseStructured := g.cfg.UseStructuredOutput && g.provider.SupportsNativeStructuredOutput()

	req := ai.ChatRequest{Messages: state.Messages, Temperature: 0.1, Timeout: g.cfg.Timeout}
	if isFinalStep && shouldUseStructured {
		req.ResponseSchema = recommendationSchema
	} else {
		req.Tools = tools.Definitions()
	}

	resp, err := g.provider.Chat(ctx, req)
	if err != nil {
		state.ShouldFallback = true
		state.ErrorMessage = fmt.Sprintf("provider chat failed: %v", err)
		return state
	}

	if len(resp.ToolCalls) > 0 {
		state.PlanOutput = &core.PlanOutput{Kind: core.PlanToolCalls, ToolCalls: resp.ToolCalls, Content: resp.Content}
		return state
	}

	if resp.Content == "" {
		state.ShouldFallback = true
		state.ErrorMessage = "LLM returned empty response"
		return state
	}

	var candidate core.Candidate
	if err := json.Unmarshal([]byte(resp.Content), &candidate); err != nil {
		state.ShouldFallback = true
		state.ErrorMessage = fmt.Sprintf("invalid JSON from LLM: %v", err)
		return state
	}

	state.PlanOutput = &core.PlanOutput{Kind: core.PlanRecommendation, Recommendation: &candidate}
	return state
}

func (g *Graph) executeTools(ctx context.Context, state core.AgentState, ac *tools.AgentContext) core.AgentState {
	if state.PlanOutput == nil || state.PlanOutput.Kind != core.PlanToolCalls {
		return state
	}

	calls := state.PlanOutput.ToolCalls
	rawArgs := make([]string, len(calls))
	for i, tc := range calls {
		b, _ := json.Marshal(tc.Arguments)
		rawArgs[i] = string(b)
	}

	assistantMsg := core.Message{Role: core.RoleAssistant, Content: state.PlanOutput.Content, ToolCalls: calls}
	state.Messages = append(state.Messages, assistantMsg)

	for i, tc := range calls {
		result, err := tools.Execute(ctx, tc.Name, tc.Arguments, ac)
		if err != nil {
			result = map[string]interface{}{"error": err.Error()}
		}

		hash, hashErr := core.HashToolCall(tc.Name, tc.Arguments, result)
		if hashErr == nil {
			state.ToolTraces = append(state.ToolTraces, core.ToolTrace{
				Name: hash.Name, ArgsHash: hash.ArgsHash, ResultHash: hash.ResultHash,
			})
		}

		content, err := tools.ResultToMessageContent(result)
		if err != nil {
			content = rawArgs[i]
		}
		state.Messages = append(state.Messages, core.Message{
			Role: core.RoleTool, ToolCallID: tc.ID, Content: content,
		})
	}

	state.PlanOutput = nil
	return state
}

func (g *Graph) validate(state core.AgentState) core.AgentState {
	if state.PlanOutput == nil || state.PlanOutput.Kind != core.PlanRecommendation {
		return state
	}
	candidate := *state.PlanOutput.Recommendation

	result := g.validator.Validate(candidate, state.Observation, state.Constraints)
	candidate.TargetSpeedRPM = result.TargetSpeedRPM
	state.Candidate = &candidate

	if !result.Approved {
		state.CriticFeedback = &core.CriticFeedback{
			Approved:   false,
			Reason:     "deterministic validation found violations",
			Violations: result.Violations,
		}
	}
	return state
}

func (g *Graph) critic(ctx context.Context, state core.AgentState) core.AgentState {
	if state.Candidate == nil {
		state.ShouldFallback = true
		state.ErrorMessage = "no candidate to critique"
		return state
	}
	if state.CriticFeedback != nil && !state.CriticFeedback.Approved {
		return state
	}

	obs := state.Observation
	payload := map[string]interface{}{
		"candidate":   state.Candidate,
		"constraints": state.Constraints,
		"current_state": map[string]interface{}{
			"motor_speed_rpm": obs.MotorSpeedRPM,
			"motor_temp_c":    obs.MotorTempC,
			"pressure_bar":    obs.PressureBar,
			"safety_state":    obs.SafetyState,
		},
	}
	userContent, _ := json.Marshal(payload)

	req := ai.ChatRequest{
		Messages:    []core.Message{{Role: core.RoleSystem, Content: criticSystemPrompt}, {Role: core.RoleUser, Content: string(userContent)}},
		Temperature: 0.0,
		Timeout:     g.cfg.Timeout,
	}
	if g.cfg.UseStructuredOutput && g.provider.SupportsNativeStructuredOutput() {
		req.ResponseSchema = criticResponseSchema
	}

	resp, err := g.provider.Chat(ctx, req)
	content := "{}"
	if err == nil && resp.Content != "" {
		content = resp.Content
	}

	var parsed struct {
		Approved   bool     `json:"approved"`
		Reason     string   `json:"reason"`
		Violations []string `json:"violations"`
	}
	if err != nil || json.Unmarshal([]byte(content), &parsed) != nil {
		state.CriticFeedback = &core.CriticFeedback{Approved: true, Reason: "critic parse failed, approving by default"}
		return state
	}

	state.CriticFeedback = &core.CriticFeedback{Approved: parsed.Approved, Reason: parsed.Reason, Violations: parsed.Violations}
	return state
}

func (g *Graph) finalize(state core.AgentState, now func() time.Time) core.AgentState {
	state.LatencyMs = now().UnixMilli() - state.StartTimeUnixMs
	return state
}

func (g *Graph) fallback(state core.AgentState, now func() time.Time) core.AgentState {
	errMsg := state.ErrorMessage
	if errMsg == "" {
		errMsg = "unknown error"
	}
	state.Candidate = &core.Candidate{
		Action:         core.ActionFallback,
		TargetSpeedRPM: state.Observation.MotorSpeedRPM,
		Confidence:     0.3,
		Reasoning:      fmt.Sprintf("fallback: %s", errMsg),
	}
	state.LatencyMs = now().UnixMilli() - state.StartTimeUnixMs
	return state
}

func shouldContinuePlanning(state core.AgentState) string {
	if state.ShouldFallback {
		return "fallback"
	}
	if state.StepCount >= state.MaxSteps {
		return "fallback"
	}
	if state.PlanOutput == nil {
		return "fallback"
	}
	switch state.PlanOutput.Kind {
	case core.PlanToolCalls:
		return "execute_tools"
	case core.PlanRecommendation:
		return "validate"
	default:
		return "fallback"
	}
}

func shouldContinueAfterCritic(state core.AgentState) string {
	if state.ShouldFallback {
		return "fallback"
	}
	if state.CriticFeedback != nil && state.CriticFeedback.Approved {
		return "finalize"
	}
	if state.StepCount < state.MaxSteps-1 {
		return "plan"
	}
	return "fallback"
}

// Package tools implements the agentic tool registry (C8): the closed
// set of functions an LLM-driven engine may call while planning a
// recommendation, each one deterministic and side-effect-free except
// record_feedback.
package tools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/neuroplc/cortex/ai"
	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/learning"
	"github.com/neuroplc/cortex/store"
	"github.com/neuroplc/cortex/twin"
)

// AgentContext bundles everything tool execution needs: the current
// observation, the sensor history the trend tools read, and handles to
// the digital twin, decision store, and learner the memory tools query.
type AgentContext struct {
	Obs                core.Observation
	Constraints        core.Constraints
	LastRecommendation *core.Candidate

	SpeedHistory []float64
	TempHistory  []float64

	Twin       *twin.Adapter
	TwinCache  *twin.PropertyCache
	TwinConfig twin.Config

	Store   *store.Store
	Learner *learning.Learner
}

// Definitions returns the canonical tool set in the JSON-schema shape
// every provider's function-calling API expects.
func Definitions() []ai.ToolSpec {
	return []ai.ToolSpec{
		{
			Name:        "get_constraints",
			Description: "Return current safety constraints for recommendations.",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		{
			Name:        "get_last_recommendation",
			Description: "Return the last recommendation candidate if available.",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		{
			Name:        "get_state_summary",
			Description: "Return a concise summary of the latest state observation.",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		{
			Name:        "compute_slew_limited_setpoint",
			Description: "Apply max rate limit to a target setpoint.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"target_speed_rpm":  map[string]interface{}{"type": "number"},
					"current_speed_rpm": map[string]interface{}{"type": "number"},
					"max_rate_rpm":      map[string]interface{}{"type": "number"},
				},
				"required": []string{"target_speed_rpm"},
			},
		},
		{
			Name:        "get_speed_trend",
			Description: "Analyze motor speed trend over recent history. Returns statistics (avg, min, max, slope) useful for predicting future speed.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"window_size": map[string]interface{}{"type": "integer", "default": 10},
				},
			},
		},
		{
			Name:        "get_temp_trend",
			Description: "Analyze motor temperature trend over recent history. Returns statistics useful for thermal management decisions.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"window_size": map[string]interface{}{"type": "integer", "default": 10},
				},
			},
		},
		{
			Name:        "query_digital_twin",
			Description: "Query the digital twin for equipment parameters.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"property_name": map[string]interface{}{
						"type": "string",
						"enum": []string{
							"MaxSpeedRPM", "MinSpeedRPM", "MaxTemperatureC", "MaxRateChangeRPM",
							"SafetyIntegrityLevel", "ManufacturerName", "SerialNumber",
						},
					},
				},
				"required": []string{"property_name"},
			},
		},
		{
			Name:        "query_decision_history",
			Description: "Query past decisions made by the agent.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"time_range_minutes": map[string]interface{}{"type": "integer", "default": 60},
					"limit":              map[string]interface{}{"type": "integer", "default": 10},
				},
			},
		},
		{
			Name:        "get_similar_scenarios",
			Description: "Find similar past scenarios to the current observation.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"k": map[string]interface{}{"type": "integer", "default": 5},
				},
			},
		},
		{
			Name:        "get_decision_outcome",
			Description: "Get the outcome of a past decision.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"trace_id": map[string]interface{}{"type": "string"}},
				"required":   []string{"trace_id"},
			},
		},
		{
			Name:        "record_feedback",
			Description: "Record feedback about a decision outcome.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"trace_id": map[string]interface{}{"type": "string"},
					"success":  map[string]interface{}{"type": "boolean"},
					"notes":    map[string]interface{}{"type": "string"},
				},
				"required": []string{"trace_id", "success"},
			},
		},
		{
			Name:        "get_learning_stats",
			Description: "Return success-rate statistics bucketed by temperature and speed range.",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
	}
}

// Execute dispatches a named tool call against ctx. The error returned
// for an unrecognized name wraps core.ErrToolNotFound.
func Execute(ctx context.Context, name string, args map[string]interface{}, ac *AgentContext) (interface{}, error) {
	switch name {
	case "get_constraints":
		return ac.Constraints, nil
	case "get_last_recommendation":
		if ac.LastRecommendation == nil {
			return nil, nil
		}
		return *ac.LastRecommendation, nil
	case "get_state_summary":
		return getStateSummary(ac), nil
	case "compute_slew_limited_setpoint":
		return computeSlewLimitedSetpoint(args, ac), nil
	case "get_speed_trend":
		return computeTrend(ac.SpeedHistory, windowSize(args), "speed_rpm"), nil
	case "get_temp_trend":
		return computeTrend(ac.TempHistory, windowSize(args), "temp_c"), nil
	case "query_digital_twin":
		return queryDigitalTwin(ctx, argString(args, "property_name", ""), ac), nil
	case "query_decision_history":
		return queryDecisionHistory(ctx, args, ac)
	case "get_similar_scenarios":
		return getSimilarScenarios(ctx, args, ac)
	case "get_decision_outcome":
		return getDecisionOutcome(ctx, argString(args, "trace_id", ""), ac)
	case "record_feedback":
		return recordFeedback(ctx, args, ac)
	case "get_learning_stats":
		return getLearningStats(ctx, ac)
	default:
		return nil, core.NewCortexError("tools.Execute", "protocol",
			fmt.Errorf("%w: %s", core.ErrToolNotFound, name))
	}
}

func getStateSummary(ac *AgentContext) map[string]interface{} {
	obs := ac.Obs
	return map[string]interface{}{
		"motor_speed_rpm": obs.MotorSpeedRPM,
		"motor_temp_c":    obs.MotorTempC,
		"pressure_bar":    obs.PressureBar,
		"safety_state":    obs.SafetyState,
		"cycle_jitter_us": obs.CycleJitterUs,
		"timestamp_us":    obs.TimestampUs,
	}
}

func computeSlewLimitedSetpoint(args map[string]interface{}, ac *AgentContext) float64 {
	target := argFloat(args, "target_speed_rpm", ac.Obs.MotorSpeedRPM)
	current := argFloat(args, "current_speed_rpm", ac.Obs.MotorSpeedRPM)
	maxRate := argFloat(args, "max_rate_rpm", ac.Constraints.MaxRateRPM)

	delta := target - current
	if math.Abs(delta) > maxRate {
		if delta > 0 {
			return current + maxRate
		}
		return current - maxRate
	}
	return target
}

func windowSize(args map[string]interface{}) int {
	n := int(argFloat(args, "window_size", 10))
	if n <= 0 {
		return 10
	}
	return n
}

// computeTrend mirrors the original's simple-linear-regression trend
// summary: count/latest/avg/min/max/std_dev/slope/trend over the last
// windowSize samples of history.
func computeTrend(history []float64, windowSize int, metricName string) map[string]interface{} {
	if len(history) == 0 {
		return map[string]interface{}{"error": fmt.Sprintf("No %s history available", metricName), "count": 0}
	}

	window := history
	if len(history) > windowSize {
		window = history[len(history)-windowSize:]
	}
	count := len(window)

	sum, min, max := 0.0, window[0], window[0]
	for _, v := range window {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg := sum / float64(count)

	result := map[string]interface{}{
		"count":  count,
		"latest": window[count-1],
		"avg":    avg,
		"min":    min,
		"max":    max,
	}

	if count > 1 {
		variance := 0.0
		for _, v := range window {
			variance += (v - avg) * (v - avg)
		}
		stdDev := math.Sqrt(variance / float64(count-1))

		xMean := float64(count-1) / 2
		var numerator, denominator float64
		for i, y := range window {
			numerator += (float64(i) - xMean) * (y - avg)
			denominator += (float64(i) - xMean) * (float64(i) - xMean)
		}
		slope := 0.0
		if denominator != 0 {
			slope = numerator / denominator
		}

		result["std_dev"] = stdDev
		result["slope"] = slope
		switch {
		case slope > 0.1:
			result["trend"] = "rising"
		case slope < -0.1:
			result["trend"] = "falling"
		default:
			result["trend"] = "stable"
		}
	} else {
		result["std_dev"] = 0.0
		result["slope"] = 0.0
		result["trend"] = "unknown"
	}

	return result
}

var digitalTwinPropertyMap = map[string][2]string{
	"MaxSpeedRPM":          {"safety", "MaxSpeedRPM"},
	"MinSpeedRPM":          {"safety", "MinSpeedRPM"},
	"MaxTemperatureC":      {"safety", "MaxTemperatureC"},
	"MaxRateChangeRPM":     {"safety", "MaxRateChangeRPM"},
	"SafetyIntegrityLevel": {"functional_safety", "SafetyIntegrityLevel"},
	"ManufacturerName":     {"nameplate", "ManufacturerName"},
	"SerialNumber":         {"nameplate", "SerialNumber"},
}

// queryDigitalTwin resolves a property name via cache, then the live
// adapter, falling back to the constraint envelope on any failure.
// Every result is tagged with its source so a caller can tell a live
// read from a stale fallback.
func queryDigitalTwin(ctx context.Context, propertyName string, ac *AgentContext) map[string]interface{} {
	mapping, ok := digitalTwinPropertyMap[propertyName]
	if !ok {
		return map[string]interface{}{"error": fmt.Sprintf("Unknown property: %s", propertyName)}
	}
	submodelType, propID := mapping[0], mapping[1]

	if ac.Twin != nil {
		submodelID := ac.TwinConfig.SubmodelIDFor(submodelType)
		if ac.TwinCache != nil {
			key := twin.CacheKey(submodelID, propID)
			if cached, hit := ac.TwinCache.Get(key); hit {
				return map[string]interface{}{
					"property": propertyName, "value": cached,
					"source": "digital_twin_cached", "submodel": submodelType,
				}
			}
			value, err := ac.Twin.GetProperty(ctx, submodelID, propID)
			if err == nil {
				ac.TwinCache.Set(key, value, twin.TTLForSubmodel(submodelType))
				return map[string]interface{}{
					"property": propertyName, "value": value,
					"source": "digital_twin", "submodel": submodelType,
				}
			}
		} else {
			value, err := ac.Twin.GetProperty(ctx, submodelID, propID)
			if err == nil {
				return map[string]interface{}{
					"property": propertyName, "value": value,
					"source": "digital_twin", "submodel": submodelType,
				}
			}
		}
	}

	return fallbackValue(propertyName, ac)
}

func fallbackValue(propertyName string, ac *AgentContext) map[string]interface{} {
	fallback := map[string]interface{}{
		"MaxSpeedRPM":          ac.Constraints.MaxSpeedRPM,
		"MinSpeedRPM":          ac.Constraints.MinSpeedRPM,
		"MaxTemperatureC":      ac.Constraints.MaxTempC,
		"MaxRateChangeRPM":     ac.Constraints.MaxRateRPM,
		"SafetyIntegrityLevel": "SIL2",
		"ManufacturerName":     "NeuroPLC Demo",
		"SerialNumber":         "UNKNOWN",
	}
	value, ok := fallback[propertyName]
	if !ok {
		return map[string]interface{}{"error": fmt.Sprintf("Unknown property: %s", propertyName)}
	}
	return map[string]interface{}{"property": propertyName, "value": value, "source": "constraints_fallback"}
}

func queryDecisionHistory(ctx context.Context, args map[string]interface{}, ac *AgentContext) (interface{}, error) {
	if ac.Store == nil {
		return map[string]interface{}{"error": "Memory system not available"}, nil
	}
	minutes := int(argFloat(args, "time_range_minutes", 60))
	limit := int(argFloat(args, "limit", 10))

	nowUs := uint64(time.Now().UnixMicro())
	startUs := nowUs - uint64(minutes)*60*1_000_000

	decisions, err := ac.Store.QueryDecisions(ctx, store.QueryFilter{StartTimeUs: &startUs, EndTimeUs: &nowUs, Limit: limit})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(decisions), "decisions": decisions}, nil
}

func getSimilarScenarios(ctx context.Context, args map[string]interface{}, ac *AgentContext) (interface{}, error) {
	if ac.Learner == nil {
		return map[string]interface{}{"error": "Memory system not available"}, nil
	}
	k := int(argFloat(args, "k", 5))
	scenarios, err := ac.Learner.GetSuccessWeightedSimilar(ctx, ac.Obs, k, 0.7)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(scenarios), "scenarios": scenarios}, nil
}

func getDecisionOutcome(ctx context.Context, traceID string, ac *AgentContext) (interface{}, error) {
	if ac.Store == nil {
		return map[string]interface{}{"error": "Memory system not available"}, nil
	}
	rec, err := ac.Store.GetDecision(ctx, traceID)
	if core.IsNotFound(err) {
		return map[string]interface{}{"error": fmt.Sprintf("Decision not found: %s", traceID)}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func recordFeedback(ctx context.Context, args map[string]interface{}, ac *AgentContext) (interface{}, error) {
	if ac.Store == nil {
		return map[string]interface{}{"error": "Memory system not available"}, nil
	}
	traceID := argString(args, "trace_id", "")
	success, _ := args["success"].(bool)
	notes := argString(args, "notes", "")

	ts := uint64(time.Now().UnixMicro())
	updated, err := ac.Store.RecordFeedback(ctx, core.OutcomeFeedback{
		TraceID: traceID, SpineAccepted: success, Notes: notes, OutcomeTimestamp: &ts,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": updated}, nil
}

func getLearningStats(ctx context.Context, ac *AgentContext) (interface{}, error) {
	if ac.Learner == nil {
		return map[string]interface{}{"error": "Memory system not available"}, nil
	}
	stats, err := ac.Learner.GetLearningStats(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].BucketKey < stats[j].BucketKey })
	return map[string]interface{}{"count": len(stats), "stats": stats}, nil
}

func argFloat(args map[string]interface{}, key string, def float64) float64 {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

// ResultToMessageContent canonicalizes a tool result for embedding as a
// tool-role message's content, so the same result always serializes
// identically regardless of map iteration order.
func ResultToMessageContent(result interface{}) (string, error) {
	canon, err := core.CanonicalJSON(result)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

func argString(args map[string]interface{}, key, def string) string {
	v, ok := args[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

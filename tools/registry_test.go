package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/twin"
)

func baseContext() *AgentContext {
	return &AgentContext{
		Obs:         core.Observation{MotorSpeedRPM: 1500, MotorTempC: 55, PressureBar: 4, SafetyState: "normal"},
		Constraints: core.DefaultConstraints(),
	}
}

func TestGetConstraintsReturnsContextConstraints(t *testing.T) {
	ac := baseContext()
	got, err := Execute(context.Background(), "get_constraints", nil, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.(core.Constraints) != ac.Constraints {
		t.Fatalf("expected constraints echoed back, got %+v", got)
	}
}

func TestGetLastRecommendationNilWhenAbsent(t *testing.T) {
	ac := baseContext()
	got, err := Execute(context.Background(), "get_last_recommendation", nil, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestComputeSlewLimitedSetpointClampsToMaxRate(t *testing.T) {
	ac := baseContext()
	args := map[string]interface{}{"target_speed_rpm": 2000.0, "current_speed_rpm": 1000.0, "max_rate_rpm": 50.0}
	got, err := Execute(context.Background(), "compute_slew_limited_setpoint", args, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.(float64) != 1050.0 {
		t.Fatalf("expected clamped setpoint 1050, got %v", got)
	}
}

func TestComputeSlewLimitedSetpointPassesThroughWithinRate(t *testing.T) {
	ac := baseContext()
	args := map[string]interface{}{"target_speed_rpm": 1020.0, "current_speed_rpm": 1000.0, "max_rate_rpm": 50.0}
	got, err := Execute(context.Background(), "compute_slew_limited_setpoint", args, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.(float64) != 1020.0 {
		t.Fatalf("expected unclamped setpoint 1020, got %v", got)
	}
}

func TestGetSpeedTrendRisingSlope(t *testing.T) {
	ac := baseContext()
	ac.SpeedHistory = []float64{1000, 1100, 1200, 1300, 1400}
	got, err := Execute(context.Background(), "get_speed_trend", map[string]interface{}{"window_size": 5.0}, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := got.(map[string]interface{})
	if result["trend"] != "rising" {
		t.Fatalf("expected rising trend, got %+v", result)
	}
	if result["count"] != 5 {
		t.Fatalf("expected count 5, got %v", result["count"])
	}
}

func TestGetSpeedTrendEmptyHistoryReturnsError(t *testing.T) {
	ac := baseContext()
	got, err := Execute(context.Background(), "get_speed_trend", nil, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := got.(map[string]interface{})
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected error field for empty history, got %+v", result)
	}
}

func TestGetTempTrendSingleSampleIsUnknown(t *testing.T) {
	ac := baseContext()
	ac.TempHistory = []float64{42}
	got, err := Execute(context.Background(), "get_temp_trend", nil, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := got.(map[string]interface{})
	if result["trend"] != "unknown" {
		t.Fatalf("expected unknown trend for single sample, got %+v", result)
	}
}

func TestQueryDigitalTwinUnknownPropertyIsError(t *testing.T) {
	ac := baseContext()
	got, err := Execute(context.Background(), "query_digital_twin", map[string]interface{}{"property_name": "Bogus"}, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := got.(map[string]interface{})
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected error for unknown property, got %+v", result)
	}
}

func TestQueryDigitalTwinFallsBackToConstraintsWithoutAdapter(t *testing.T) {
	ac := baseContext()
	got, err := Execute(context.Background(), "query_digital_twin", map[string]interface{}{"property_name": "MaxSpeedRPM"}, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := got.(map[string]interface{})
	if result["source"] != "constraints_fallback" {
		t.Fatalf("expected constraints_fallback source, got %+v", result)
	}
	if result["value"] != ac.Constraints.MaxSpeedRPM {
		t.Fatalf("expected fallback value %v, got %v", ac.Constraints.MaxSpeedRPM, result["value"])
	}
}

func TestQueryDigitalTwinUsesLiveAdapterAndCachesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("3000.0"))
	}))
	defer srv.Close()

	cfg := twin.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = time.Second

	ac := baseContext()
	ac.Twin = twin.New(cfg, core.NoOpLogger{})
	ac.TwinConfig = cfg
	ac.TwinCache = twin.NewPropertyCache()

	got, err := Execute(context.Background(), "query_digital_twin", map[string]interface{}{"property_name": "MaxSpeedRPM"}, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := got.(map[string]interface{})
	if result["source"] != "digital_twin" {
		t.Fatalf("expected digital_twin source, got %+v", result)
	}

	key := twin.CacheKey(cfg.SafetySubmodelID, "MaxSpeedRPM")
	if _, hit := ac.TwinCache.Get(key); !hit {
		t.Fatal("expected the successful lookup to populate the cache")
	}
}

func TestExecuteUnknownToolWrapsErrToolNotFound(t *testing.T) {
	ac := baseContext()
	_, err := Execute(context.Background(), "not_a_real_tool", nil, ac)
	if err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
	if !errors.Is(err, core.ErrToolNotFound) {
		t.Fatalf("expected error chain to contain ErrToolNotFound, got %v", err)
	}
}

func TestRecordFeedbackWithoutStoreReportsUnavailable(t *testing.T) {
	ac := baseContext()
	got, err := Execute(context.Background(), "record_feedback", map[string]interface{}{"trace_id": "x", "success": true}, ac)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result := got.(map[string]interface{})
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected an error message when no store is wired, got %+v", result)
	}
}

func TestResultToMessageContentIsDeterministic(t *testing.T) {
	result := map[string]interface{}{"b": 1, "a": 2}
	first, err := ResultToMessageContent(result)
	if err != nil {
		t.Fatalf("ResultToMessageContent: %v", err)
	}
	second, _ := ResultToMessageContent(map[string]interface{}{"a": 2, "b": 1})
	if first != second {
		t.Fatalf("expected canonical output regardless of map order, got %q vs %q", first, second)
	}
}

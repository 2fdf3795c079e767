// Package twin adapts the cortex to an Asset Administration Shell
// digital twin registry (C16), queried as an opaque property oracle:
// the twin's own modeling and persistence are out of scope here, only
// the property read/write surface the tool registry and supervisor use.
package twin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/resilience"
)

// Config addresses one AAS instance and its constituent submodels.
type Config struct {
	BaseURL string
	AASID   string

	OperationalSubmodelID string
	AISubmodelID          string
	SafetySubmodelID      string
	NameplateSubmodelID   string
	FuncSafetySubmodelID  string

	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:                "http://localhost:8081",
		AASID:                  "urn:neuroplc:aas:motor:001",
		OperationalSubmodelID:  "urn:neuroplc:sm:operational-data:001",
		AISubmodelID:           "urn:neuroplc:sm:ai-recommendation:001",
		SafetySubmodelID:       "urn:neuroplc:sm:safety-parameters:001",
		NameplateSubmodelID:    "urn:neuroplc:sm:nameplate:001",
		FuncSafetySubmodelID:   "urn:neuroplc:sm:functional-safety:001",
		Timeout:                2 * time.Second,
	}
}

// SubmodelIDFor maps the tool registry's submodel-type vocabulary to a
// configured submodel ID.
func (c Config) SubmodelIDFor(submodelType string) string {
	switch submodelType {
	case "safety":
		return c.SafetySubmodelID
	case "nameplate":
		return c.NameplateSubmodelID
	case "functional_safety":
		return c.FuncSafetySubmodelID
	case "operational":
		return c.OperationalSubmodelID
	case "ai":
		return c.AISubmodelID
	default:
		return ""
	}
}

// Adapter is an HTTP client for a BaSyx-compatible AAS environment,
// guarded by its own circuit breaker since twin calls are optional
// decoration and must never block a cycle past their timeout.
type Adapter struct {
	cfg     Config
	client  *http.Client
	logger  core.Logger
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

func New(cfg Config, logger core.Logger) *Adapter {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		breaker: resilience.NewCircuitBreaker("digital_twin", 5, 30*time.Second),
		retry:   resilience.DefaultRetryConfig(),
	}
}

// GetProperty fetches a single property value from a submodel's
// elements endpoint, retrying transient failures while the breaker
// stays closed. A non-200 status or transport failure comes back as a
// transient error (no status code is returned) so callers can apply
// their own fallback policy.
func (a *Adapter) GetProperty(ctx context.Context, submodelID, propertyName string) (interface{}, error) {
	url := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/$value", a.cfg.BaseURL, encodeID(submodelID), propertyName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.NewCortexError("twin.GetProperty", "config", err)
	}

	var value interface{}
	retryErr := resilience.RetryWithCircuitBreaker(ctx, a.retry, a.breaker, func() error {
		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrEngineUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: unexpected status %d", core.ErrEngineUnavailable, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&value)
	})
	if retryErr != nil {
		return nil, core.NewCortexError("twin.GetProperty", "transient", retryErr)
	}
	return value, nil
}

// UpdateOperational pushes the latest sensor snapshot to the twin's
// operational-data submodel. Best-effort: callers must not let a
// failure here block a cycle.
func (a *Adapter) UpdateOperational(ctx context.Context, obs core.Observation) error {
	return a.patchSubmodel(ctx, a.cfg.OperationalSubmodelID, map[string]interface{}{
		"MotorSpeedRPM":   obs.MotorSpeedRPM,
		"MotorTemperatureC": obs.MotorTempC,
		"SystemPressureBar": obs.PressureBar,
		"CycleCount":      obs.CycleCount,
		"CycleJitterUs":   obs.CycleJitterUs,
		"SafetyState":     obs.SafetyState,
	})
}

// UpdateRecommendation pushes the latest recommendation to the twin's
// AI-recommendation submodel.
func (a *Adapter) UpdateRecommendation(ctx context.Context, rec core.Recommendation) error {
	return a.patchSubmodel(ctx, a.cfg.AISubmodelID, map[string]interface{}{
		"RecommendedSpeedRPM": rec.TargetSpeedRPM,
		"ConfidenceScore":     rec.Confidence,
		"ReasoningHash":       rec.TraceID,
	})
}

func (a *Adapter) patchSubmodel(ctx context.Context, submodelID string, properties map[string]interface{}) error {
	if a.breaker.State() == resilience.StateOpen {
		return core.NewCortexError("twin.patchSubmodel", "transient", core.ErrCircuitOpen)
	}

	body, err := json.Marshal(properties)
	if err != nil {
		return core.NewCortexError("twin.patchSubmodel", "internal", err)
	}

	url := fmt.Sprintf("%s/submodels/%s", a.cfg.BaseURL, encodeID(submodelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return core.NewCortexError("twin.patchSubmodel", "config", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.breaker.RecordFailure()
		return core.NewCortexError("twin.patchSubmodel", "transient",
			fmt.Errorf("%w: %v", core.ErrEngineUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.breaker.RecordFailure()
		return core.NewCortexError("twin.patchSubmodel", "transient",
			fmt.Errorf("%w: unexpected status %d", core.ErrEngineUnavailable, resp.StatusCode))
	}
	a.breaker.RecordSuccess()
	return nil
}

// encodeID applies the base64url-no-padding encoding BaSyx requires for
// URNs embedded in a path segment.
func encodeID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

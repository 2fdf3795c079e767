// Package mock implements ai.Provider with queued canned responses, for
// offline development and deterministic workflow-graph tests.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/neuroplc/cortex/ai"
	"github.com/neuroplc/cortex/core"
)

// Provider returns queued responses in FIFO order, or a schema-derived
// synthesized response when no response is queued.
type Provider struct {
	mu    sync.Mutex
	model string
	queue []core.ProviderResponse
}

var _ ai.Provider = (*Provider)(nil)

func New(model string) *Provider {
	if model == "" {
		model = "mock-model"
	}
	return &Provider{model: model}
}

func (p *Provider) Name() string  { return "mock" }
func (p *Provider) Model() string { return p.model }

// QueueResponse appends a response to be returned by the next Chat call.
func (p *Provider) QueueResponse(resp core.ProviderResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, resp)
}

func (p *Provider) Chat(_ context.Context, req ai.ChatRequest) (core.ProviderResponse, error) {
	p.mu.Lock()
	if len(p.queue) > 0 {
		resp := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		return resp, nil
	}
	p.mu.Unlock()

	if req.ResponseSchema != nil {
		mockData := generateMockFromSchema(req.ResponseSchema)
		content, err := json.Marshal(mockData)
		if err != nil {
			return core.ProviderResponse{}, err
		}
		return core.ProviderResponse{Content: string(content), Model: p.model, FinishReason: "stop"}, nil
	}

	return core.ProviderResponse{
		Content:      `{"action":"hold","target_speed_rpm":1000.0,"confidence":0.6,"reasoning":"mock response"}`,
		Model:        p.model,
		FinishReason: "stop",
	}, nil
}

func (p *Provider) SupportsNativeStructuredOutput() bool { return true }

func (p *Provider) FormatToolResult(id string, result interface{}) (core.Message, error) {
	canon, err := core.CanonicalJSON(result)
	if err != nil {
		return core.Message{}, err
	}
	return core.Message{Role: core.RoleTool, ToolCallID: id, Content: string(canon)}, nil
}

// generateMockFromSchema fabricates a JSON object from schema's declared
// properties. Every required property is filled in; an optional property
// is added only while fewer than three properties are present when it is
// reached. Properties are visited in map order, so which optional ones
// appear is not fixed.
func generateMockFromSchema(schema map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})

	props, _ := schema["properties"].(map[string]interface{})
	required := map[string]bool{}
	if reqList, ok := schema["required"].([]interface{}); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	for key, raw := range props {
		prop, _ := raw.(map[string]interface{})
		if !required[key] && len(result) >= 3 {
			continue
		}
		propType, _ := prop["type"].(string)
		switch propType {
		case "number", "integer":
			if d, ok := prop["default"]; ok {
				result[key] = d
			} else {
				result[key] = 1000.0
			}
		case "string":
			if d, ok := prop["default"]; ok {
				result[key] = d
			} else {
				result[key] = "mock"
			}
		case "boolean":
			if d, ok := prop["default"]; ok {
				result[key] = d
			} else {
				result[key] = true
			}
		case "array":
			result[key] = []interface{}{}
		default:
			result[key] = nil
		}
	}

	return result
}

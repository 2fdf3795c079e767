// Package anthropic implements ai.Provider against the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/neuroplc/cortex/ai"
	"github.com/neuroplc/cortex/ai/providers"
	"github.com/neuroplc/cortex/core"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type Client struct {
	base    *providers.BaseClient
	apiKey  string
	baseURL string
	model   string
	maxTokens int
}

var _ ai.Provider = (*Client)(nil)

func New(cfg ai.Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	return &Client{
		base:      providers.NewBaseClient(cfg.Timeout, cfg.MaxRetries, cfg.Logger),
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *Client) Name() string  { return "anthropic" }
func (c *Client) Model() string { return c.model }

// This client never sends ChatRequest.ResponseSchema to the API (no
// JSON-schema response mode, no tool-forcing), so the caller must
// validate the JSON it gets back.
func (c *Client) SupportsNativeStructuredOutput() bool { return false }

type contentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type toolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type requestBody struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature"`
	Tools       []toolDef          `json:"tools,omitempty"`
}

type responseBody struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Model      string         `json:"model"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) Chat(ctx context.Context, req ai.ChatRequest) (core.ProviderResponse, error) {
	if c.apiKey == "" {
		return core.ProviderResponse{}, fmt.Errorf("%w: anthropic api key not configured", core.ErrInvalidConfiguration)
	}

	var system string
	var messages []anthropicMessage
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case core.RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case core.RoleAssistant:
			blocks := []contentBlock{}
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	body := requestBody{
		Model:       c.model,
		System:      system,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, toolDef{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return core.ProviderResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.base.Do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequest(http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("x-api-key", c.apiKey)
		r.Header.Set("anthropic-version", anthropicVersion)
		return r, nil
	})
	if err != nil {
		return core.ProviderResponse{}, fmt.Errorf("%w: %v", core.ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.ProviderResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return core.ProviderResponse{}, fmt.Errorf("%w: anthropic status %d: %s", core.ErrEngineUnavailable, resp.StatusCode, raw)
	}

	var parsed responseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return core.ProviderResponse{}, fmt.Errorf("parse response: %w", err)
	}

	out := core.ProviderResponse{
		FinishReason: parsed.StopReason,
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	return out, nil
}

func (c *Client) FormatToolResult(id string, result interface{}) (core.Message, error) {
	canon, err := core.CanonicalJSON(result)
	if err != nil {
		return core.Message{}, err
	}
	return core.Message{Role: core.RoleTool, ToolCallID: id, Content: string(canon)}, nil
}

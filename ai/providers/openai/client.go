// Package openai implements ai.Provider against the OpenAI (and
// OpenAI-compatible) chat completions API.
package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

type Client struct {
	base    *providers.BaseClient
	apiKey  string
	baseURL string
	model   string
}

var _ ai.Provider = (*Client)(nil)

func New(cfg ai.Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		base:    providers.NewBaseClient(cfg.Timeout, cfg.MaxRetries, cfg.Logger),
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
	}
}

func (c *Client) Name() string  { return "openai" }
func (c *Client) Model() string { return c.model }

func (c *Client) SupportsNativeStructuredOutput() bool { return true }

type chatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall   `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type chatRequestBody struct {
	Model          string                 `json:"model"`
	Messages       []chatMessage          `json:"messages"`
	Temperature    float32                `json:"temperature"`
	Tools          []chatTool             `json:"tools,omitempty"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

type chatResponseBody struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (c *Client) Chat(ctx context.Context, req ai.ChatRequest) (core.ProviderResponse, error) {
	if c.apiKey == "" {
		return core.ProviderResponse{}, fmt.Errorf("%w: openai api key not configured", core.ErrInvalidConfiguration)
	}

	body := chatRequestBody{
		Model:       c.model,
		Messages:    toChatMessages(req.Messages),
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		ct := chatTool{Type: "function"}
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, ct)
	}
	if req.ResponseSchema != nil {
		body.ResponseFormat = map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   "recommendation",
				"schema": req.ResponseSchema,
				"strict": true,
			},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return core.ProviderResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.base.Do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequest(http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
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
		return core.ProviderResponse{}, fmt.Errorf("%w: openai status %d: %s", core.ErrEngineUnavailable, resp.StatusCode, raw)
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return core.ProviderResponse{}, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return core.ProviderResponse{}, fmt.Errorf("%w: no choices in openai response", core.ErrEngineUnavailable)
	}

	choice := parsed.Choices[0]
	out := core.ProviderResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
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

func toChatMessages(msgs []core.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := chatMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			ctc := chatToolCall{ID: tc.ID, Type: "function"}
			ctc.Function.Name = tc.Name
			argBytes, _ := json.Marshal(tc.Arguments)
			ctc.Function.Arguments = string(argBytes)
			cm.ToolCalls = append(cm.ToolCalls, ctc)
		}
		out = append(out, cm)
	}
	return out
}

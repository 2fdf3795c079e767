// Package ai implements the pluggable inference-provider abstraction
// (C7): a small contract that every engine consumer (the workflow graph,
// the engine dispatcher's critic pass) programs against, independent of
// which remote model answers the call.
package ai

import (
	"context"
	"time"

	"github.com/neuroplc/cortex/core"
)

// ToolSpec describes one callable tool in the JSON-schema shape every
// provider's function-calling API expects.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// ChatRequest bundles everything a Provider needs to answer one turn.
type ChatRequest struct {
	Messages       []core.Message
	Tools          []ToolSpec
	ResponseSchema map[string]interface{} // non-nil requests structured output
	Temperature    float32
	Timeout        time.Duration
}

// Provider is the contract every inference backend implements: a mock
// for tests and offline development, and one or more remote providers
// that translate to and from their own wire format.
type Provider interface {
	Name() string
	Model() string
	SupportsNativeStructuredOutput() bool
	Chat(ctx context.Context, req ChatRequest) (core.ProviderResponse, error)
	FormatToolResult(id string, result interface{}) (core.Message, error)
}

// Config holds the functional-option-configured settings shared by every
// concrete provider constructor. NewConfig applies options over
// DefaultConfig; no environment variables are read.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	Logger      core.Logger
}

// Option configures a Config.
type Option func(*Config)

func DefaultConfig() Config {
	return Config{
		Temperature: 0.2,
		MaxTokens:   1024,
		Timeout:     10 * time.Second,
		MaxRetries:  2,
		Logger:      &core.NoOpLogger{},
	}
}

func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

func WithTemperature(t float32) Option {
	return func(c *Config) { c.Temperature = t }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

func WithLogger(logger core.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

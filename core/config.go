package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the cortex supervisor. It supports the
// same three-layer priority as the rest of the stack:
//  1. Defaults (lowest priority)
//  2. Environment variables
//  3. Functional options (highest priority)
//
//	cfg, err := NewConfig(
//	    WithEngine("agent"),
//	    WithSocketAddr("0.0.0.0", 7070),
//	)
type Config struct {
	Engine     EngineConfig     `json:"engine"`
	Resilience ResilienceConfig `json:"resilience"`
	Cache      CacheConfig      `json:"cache"`
	Memory     MemoryConfig     `json:"memory"`
	Learning   LearningConfig   `json:"learning"`
	Twin       TwinConfig       `json:"twin"`
	Socket     SocketConfig     `json:"socket"`
	Logging    LoggingConfig    `json:"logging"`

	logger Logger `json:"-"`
}

// EngineConfig selects and tunes the recommendation engine family (C11).
type EngineConfig struct {
	Engine           string        `json:"engine" env:"CORTEX_ENGINE" default:"agent"`
	Provider         string        `json:"provider" env:"CORTEX_PROVIDER" default:"mock"`
	APIKey           string        `json:"api_key" env:"CORTEX_PROVIDER_API_KEY"`
	BaseURL          string        `json:"base_url" env:"CORTEX_PROVIDER_BASE_URL"`
	Model            string        `json:"model" env:"CORTEX_PROVIDER_MODEL" default:"gpt-4o-mini"`
	Temperature      float32       `json:"temperature" env:"CORTEX_PROVIDER_TEMPERATURE" default:"0.2"`
	DecisionPeriodMs int           `json:"decision_period_ms" env:"CORTEX_DECISION_PERIOD_MS" default:"1000"`
	MaxSteps         int           `json:"max_steps" env:"CORTEX_MAX_STEPS" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"CORTEX_ENGINE_TIMEOUT" default:"10s"`
	WarmupCycles     int           `json:"warmup_cycles" env:"CORTEX_WARMUP_CYCLES" default:"5"`
	AttackCadence    int           `json:"attack_cadence" env:"CORTEX_ATTACK_CADENCE" default:"10"`
}

// ResilienceConfig tunes the per-engine circuit breaker.
type ResilienceConfig struct {
	FailureThreshold int           `json:"failure_threshold" env:"CORTEX_CB_THRESHOLD" default:"5"`
	Cooldown         time.Duration `json:"cooldown" env:"CORTEX_CB_COOLDOWN" default:"30s"`
}

// CacheConfig tunes the in-process semantic cache (C6).
type CacheConfig struct {
	SimilarityThreshold float64       `json:"similarity_threshold" env:"CORTEX_CACHE_THRESHOLD" default:"0.95"`
	TTL                 time.Duration `json:"ttl" env:"CORTEX_CACHE_TTL" default:"60s"`
	Capacity            int           `json:"capacity" env:"CORTEX_CACHE_CAPACITY" default:"100"`
	RedisEnabled        bool          `json:"redis_enabled" env:"CORTEX_CACHE_REDIS_ENABLED" default:"false"`
	RedisURL            string        `json:"redis_url" env:"CORTEX_CACHE_REDIS_URL,REDIS_URL"`
}

// MemoryConfig tunes the observation buffer and decision store (C4, C5).
type MemoryConfig struct {
	DBPath          string        `json:"db_path" env:"CORTEX_DB_PATH" default:"cortex.db"`
	BufferSize      int           `json:"buffer_size" env:"CORTEX_BUFFER_SIZE" default:"120"`
	PersistInterval time.Duration `json:"persist_interval" env:"CORTEX_PERSIST_INTERVAL" default:"30s"`
	PreloadOnStart  bool          `json:"preload_on_start" env:"CORTEX_PRELOAD_ON_START" default:"true"`
	MaxDecisions    int           `json:"max_decisions" env:"CORTEX_MAX_DECISIONS" default:"50000"`
}

// LearningConfig tunes the adaptive learner (C10).
type LearningConfig struct {
	Enabled        bool    `json:"enabled" env:"CORTEX_LEARNING_ENABLED" default:"true"`
	SuccessWeight  float64 `json:"success_weight" env:"CORTEX_LEARNING_SUCCESS_WEIGHT" default:"0.5"`
	FewShotCount   int     `json:"few_shot_count" env:"CORTEX_LEARNING_FEW_SHOT_COUNT" default:"3"`
	MinConfidence  float64 `json:"min_confidence" env:"CORTEX_LEARNING_MIN_CONFIDENCE" default:"0.1"`
}

// TwinConfig tunes the digital twin adapter (C16).
type TwinConfig struct {
	BaseURL            string        `json:"base_url" env:"CORTEX_TWIN_BASE_URL"`
	AASID              string        `json:"aas_id" env:"CORTEX_TWIN_AAS_ID" default:"NeuroPLC-Demo"`
	RequestTimeout     time.Duration `json:"request_timeout" env:"CORTEX_TWIN_TIMEOUT" default:"2s"`
	SafetyTTL          time.Duration `json:"safety_ttl" env:"CORTEX_TWIN_SAFETY_TTL" default:"1h"`
	NameplateTTL       time.Duration `json:"nameplate_ttl" env:"CORTEX_TWIN_NAMEPLATE_TTL" default:"24h"`
	OperationalTTL     time.Duration `json:"operational_ttl" env:"CORTEX_TWIN_OPERATIONAL_TTL" default:"5s"`
	UpdateInterval     time.Duration `json:"update_interval" env:"CORTEX_TWIN_UPDATE_INTERVAL" default:"2s"`
}

// SocketConfig tunes the spine-facing newline-delimited JSON socket (C12).
type SocketConfig struct {
	Host       string `json:"host" env:"CORTEX_SOCKET_HOST" default:"127.0.0.1"`
	Port       int    `json:"port" env:"CORTEX_SOCKET_PORT" default:"7070"`
	AttackMode bool   `json:"attack_mode" env:"CORTEX_ATTACK_MODE" default:"false"`
	AuthSecret string `json:"auth_secret" env:"CORTEX_AUTH_SECRET"`
}

// LoggingConfig mirrors the teacher's logging knobs, trimmed to what the
// zap-backed implementation in logger.go consumes.
type LoggingConfig struct {
	Level  string `json:"level" env:"CORTEX_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"CORTEX_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"CORTEX_LOG_OUTPUT" default:"stdout"`
}

// Option mutates a Config being built by NewConfig.
type Option func(*Config) error

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Engine:           "agent",
			Provider:         "mock",
			Model:            "gpt-4o-mini",
			Temperature:      0.2,
			DecisionPeriodMs: 1000,
			MaxSteps:         5,
			Timeout:          10 * time.Second,
			WarmupCycles:     5,
			AttackCadence:    10,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Cache: CacheConfig{
			SimilarityThreshold: 0.95,
			TTL:                 60 * time.Second,
			Capacity:            100,
		},
		Memory: MemoryConfig{
			DBPath:          "cortex.db",
			BufferSize:      120,
			PersistInterval: 30 * time.Second,
			PreloadOnStart:  true,
			MaxDecisions:    50000,
		},
		Learning: LearningConfig{
			Enabled:       true,
			SuccessWeight: 0.5,
			FewShotCount:  3,
			MinConfidence: 0.1,
		},
		Twin: TwinConfig{
			AASID:          "NeuroPLC-Demo",
			RequestTimeout: 2 * time.Second,
			SafetyTTL:      time.Hour,
			NameplateTTL:   24 * time.Hour,
			OperationalTTL: 5 * time.Second,
			UpdateInterval: 2 * time.Second,
		},
		Socket: SocketConfig{
			Host: "127.0.0.1",
			Port: 7070,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays environment variables onto the receiver. Unset
// variables leave the existing (default) value untouched. Not every env
// tag above is read: CORTEX_PROVIDER_TEMPERATURE, CORTEX_WARMUP_CYCLES,
// CORTEX_ATTACK_CADENCE, CORTEX_LEARNING_FEW_SHOT_COUNT,
// CORTEX_LEARNING_MIN_CONFIDENCE, CORTEX_TWIN_TIMEOUT,
// CORTEX_TWIN_SAFETY_TTL, CORTEX_TWIN_NAMEPLATE_TTL,
// CORTEX_TWIN_OPERATIONAL_TTL, CORTEX_TWIN_UPDATE_INTERVAL and
// CORTEX_LOG_OUTPUT are ignored, so those fields keep their default or
// option value.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CORTEX_ENGINE"); v != "" {
		c.Engine.Engine = v
	}
	if v := os.Getenv("CORTEX_PROVIDER"); v != "" {
		c.Engine.Provider = v
	}
	if v := os.Getenv("CORTEX_PROVIDER_API_KEY"); v != "" {
		c.Engine.APIKey = v
	}
	if v := os.Getenv("CORTEX_PROVIDER_BASE_URL"); v != "" {
		c.Engine.BaseURL = v
	}
	if v := os.Getenv("CORTEX_PROVIDER_MODEL"); v != "" {
		c.Engine.Model = v
	}
	if v := os.Getenv("CORTEX_DECISION_PERIOD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.DecisionPeriodMs = n
		}
	}
	if v := os.Getenv("CORTEX_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxSteps = n
		}
	}
	if v := os.Getenv("CORTEX_ENGINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.Timeout = d
		}
	}
	if v := os.Getenv("CORTEX_CB_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.FailureThreshold = n
		}
	}
	if v := os.Getenv("CORTEX_CB_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Resilience.Cooldown = d
		}
	}
	if v := os.Getenv("CORTEX_CACHE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Cache.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("CORTEX_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.TTL = d
		}
	}
	if v := os.Getenv("CORTEX_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.Capacity = n
		}
	}
	if v := os.Getenv("CORTEX_CACHE_REDIS_ENABLED"); v != "" {
		c.Cache.RedisEnabled = parseBool(v)
	}
	if v := firstNonEmptyEnv("CORTEX_CACHE_REDIS_URL", "REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("CORTEX_DB_PATH"); v != "" {
		c.Memory.DBPath = v
	}
	if v := os.Getenv("CORTEX_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.BufferSize = n
		}
	}
	if v := os.Getenv("CORTEX_PERSIST_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Memory.PersistInterval = d
		}
	}
	if v := os.Getenv("CORTEX_PRELOAD_ON_START"); v != "" {
		c.Memory.PreloadOnStart = parseBool(v)
	}
	if v := os.Getenv("CORTEX_MAX_DECISIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.MaxDecisions = n
		}
	}
	if v := os.Getenv("CORTEX_LEARNING_ENABLED"); v != "" {
		c.Learning.Enabled = parseBool(v)
	}
	if v := os.Getenv("CORTEX_LEARNING_SUCCESS_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Learning.SuccessWeight = f
		}
	}
	if v := os.Getenv("CORTEX_TWIN_BASE_URL"); v != "" {
		c.Twin.BaseURL = v
	}
	if v := os.Getenv("CORTEX_TWIN_AAS_ID"); v != "" {
		c.Twin.AASID = v
	}
	if v := os.Getenv("CORTEX_SOCKET_HOST"); v != "" {
		c.Socket.Host = v
	}
	if v := os.Getenv("CORTEX_SOCKET_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Socket.Port = n
		}
	}
	if v := os.Getenv("CORTEX_ATTACK_MODE"); v != "" {
		c.Socket.AttackMode = parseBool(v)
	}
	if v := os.Getenv("CORTEX_AUTH_SECRET"); v != "" {
		c.Socket.AuthSecret = v
	}
	if v := os.Getenv("CORTEX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CORTEX_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return nil
}

// Validate rejects configurations that would misbehave rather than fail
// fast, per the error handling design's "config errors fail at startup"
// rule.
func (c *Config) Validate() error {
	if c.Engine.DecisionPeriodMs <= 0 {
		return fmt.Errorf("%w: decision_period_ms must be positive", ErrInvalidConfiguration)
	}
	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("%w: max_steps must be positive", ErrInvalidConfiguration)
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: cache similarity_threshold must be in [0,1]", ErrInvalidConfiguration)
	}
	if c.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure_threshold must be positive", ErrInvalidConfiguration)
	}
	if c.Socket.Port <= 0 || c.Socket.Port > 65535 {
		return fmt.Errorf("%w: socket port out of range", ErrInvalidConfiguration)
	}
	if c.Memory.DBPath == "" {
		return fmt.Errorf("%w: memory db_path is required", ErrMissingConfiguration)
	}
	return nil
}

// NewConfig builds a Config from defaults, overlaid by the environment,
// overlaid by opts, and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewZapLogger(cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Logger() Logger {
	return c.logger
}

func WithEngine(engine string) Option {
	return func(c *Config) error {
		c.Engine.Engine = engine
		return nil
	}
}

func WithProvider(provider, apiKey, baseURL string) Option {
	return func(c *Config) error {
		c.Engine.Provider = provider
		if apiKey != "" {
			c.Engine.APIKey = apiKey
		}
		if baseURL != "" {
			c.Engine.BaseURL = baseURL
		}
		return nil
	}
}

func WithDecisionPeriod(ms int) Option {
	return func(c *Config) error {
		c.Engine.DecisionPeriodMs = ms
		return nil
	}
}

func WithSocketAddr(host string, port int) Option {
	return func(c *Config) error {
		c.Socket.Host = host
		c.Socket.Port = port
		return nil
	}
}

func WithAttackMode(enabled bool) Option {
	return func(c *Config) error {
		c.Socket.AttackMode = enabled
		return nil
	}
}

func WithDBPath(path string) Option {
	return func(c *Config) error {
		c.Memory.DBPath = path
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func firstNonEmptyEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// Command cortex runs the advisory supervisor: it accepts spine
// connections (each served concurrently), turns every inbound motor-state frame into a
// validated recommendation, and persists the decision trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neuroplc/cortex/ai"
	"github.com/neuroplc/cortex/ai/providers/anthropic"
	"github.com/neuroplc/cortex/ai/providers/mock"
	"github.com/neuroplc/cortex/ai/providers/openai"
	"github.com/neuroplc/cortex/buffer"
	"github.com/neuroplc/cortex/cache"
	"github.com/neuroplc/cortex/core"
	"github.com/neuroplc/cortex/engine"
	"github.com/neuroplc/cortex/learning"
	"github.com/neuroplc/cortex/resilience"
	"github.com/neuroplc/cortex/safety"
	"github.com/neuroplc/cortex/store"
	"github.com/neuroplc/cortex/supervisor"
	"github.com/neuroplc/cortex/twin"
	"github.com/neuroplc/cortex/workflow"
)

// yamlOverrides mirrors the subset of core.Config a --config file may
// override; zero values leave the flag/env/default value in place.
type yamlOverrides struct {
	Engine     string `yaml:"engine"`
	Provider   string `yaml:"provider"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	AttackMode *bool  `yaml:"attack_mode"`
	DBPath     string `yaml:"db_path"`
	ModelPath  string `yaml:"model_path"`
}

func main() {
	host := flag.String("host", "", "socket listen host (overrides config/env)")
	port := flag.Int("port", 0, "socket listen port (overrides config/env)")
	attackMode := flag.Bool("attack-mode", false, "inject unsafe setpoints at a fixed cadence for fault-injection testing")
	engineFlag := flag.String("engine", "", "engine family: baseline|ml|agent")
	configPath := flag.String("config", "", "optional YAML config file")
	modelPath := flag.String("model", "", "path to an ML engine model artifact")
	flag.Parse()

	if err := run(*host, *port, *attackMode, *engineFlag, *configPath, *modelPath); err != nil {
		log.Printf("cortex: %v", err)
		os.Exit(1)
	}
}

func run(host string, port int, attackMode bool, engineFlag, configPath, modelPath string) error {
	overrides, err := loadYAMLOverrides(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	opts := buildOptions(host, port, attackMode, engineFlag, overrides)
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}
	if modelPath == "" {
		modelPath = overrides.ModelPath
	}

	logger := cfg.Logger()
	logger.Info("starting cortex supervisor", map[string]interface{}{
		"engine": cfg.Engine.Engine,
		"host":   cfg.Socket.Host,
		"port":   cfg.Socket.Port,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init order: store -> buffer -> cache -> learner -> provider ->
	// twin -> engine dispatcher -> supervisor.
	st, err := store.Open(cfg.Memory.DBPath, cfg.Memory.MaxDecisions)
	if err != nil {
		return fmt.Errorf("opening decision store: %w", err)
	}
	defer st.Close()

	buf := buffer.New(buffer.Config{
		MaxSize:         cfg.Memory.BufferSize,
		PersistInterval: 10,
		PreloadOnStart:  cfg.Memory.PreloadOnStart,
	}, st)

	semCache := cache.New(cache.Config{
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		TTL:                 cfg.Cache.TTL,
		Capacity:            cfg.Cache.Capacity,
	})

	var learner *learning.Learner
	if cfg.Learning.Enabled {
		learner = learning.New(learning.Config{
			SuccessWeight: cfg.Learning.SuccessWeight,
			CacheTTL:      cfg.Cache.TTL,
		}, st)
	}

	provider := buildProvider(cfg)

	var twinAdapter *twin.Adapter
	var twinCache *twin.PropertyCache
	twinConfig := twin.Config{}
	if cfg.Twin.BaseURL != "" {
		twinConfig = twin.Config{
			BaseURL:               cfg.Twin.BaseURL,
			AASID:                 cfg.Twin.AASID,
			OperationalSubmodelID: twin.DefaultConfig().OperationalSubmodelID,
			AISubmodelID:          twin.DefaultConfig().AISubmodelID,
			SafetySubmodelID:      twin.DefaultConfig().SafetySubmodelID,
			NameplateSubmodelID:   twin.DefaultConfig().NameplateSubmodelID,
			FuncSafetySubmodelID:  twin.DefaultConfig().FuncSafetySubmodelID,
			Timeout:               cfg.Twin.RequestTimeout,
		}
		twinAdapter = twin.New(twinConfig, logger)
		twinCache = twin.NewPropertyCache()
	}

	var mirror *cache.RedisMirror
	if cfg.Cache.RedisEnabled && cfg.Cache.RedisURL != "" {
		mirror, err = cache.NewRedisMirror(cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("connecting cache mirror: %w", err)
		}
		defer mirror.Close()
	}

	recommender := buildRecommender(cfg, provider, modelPath)

	breakers := resilience.NewRegistry(cfg.Resilience.FailureThreshold, cfg.Resilience.Cooldown, nil)
	dispatchCfg := engine.Config{
		DecisionPeriod: time.Duration(cfg.Engine.DecisionPeriodMs) * time.Millisecond,
		WarmupCycles:   cfg.Engine.WarmupCycles,
		AttackMode:     cfg.Socket.AttackMode,
		AttackCadence:  cfg.Engine.AttackCadence,
	}
	dispatcher := engine.NewDispatcher(dispatchCfg, breakers, recommender)

	var auth *supervisor.TokenIssuer
	if cfg.Socket.AuthSecret != "" {
		auth = supervisor.NewTokenIssuer(cfg.Socket.AuthSecret, "cortex", "spine", "neuroplc", []string{"recommendation.v1"}, 60)
	}

	sup := supervisor.New(supervisor.Deps{
		Engine:         dispatcher,
		Validator:      newValidator(),
		Buffer:         buf,
		Store:          st,
		Cache:          semCache,
		Learner:        learner,
		Twin:           twinAdapter,
		TwinCache:      twinCache,
		TwinConfig:     twinConfig,
		Mirror:         mirror,
		Auth:           auth,
		Constraints:    core.DefaultConstraints(),
		UpdateInterval: cfg.Twin.UpdateInterval,
		Logger:         logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Socket.Host, cfg.Socket.Port)
	logger.Info("listening for spine connections", map[string]interface{}{"addr": addr})

	err = supervisor.ListenAndServe(ctx, addr, sup)
	if err != nil && ctx.Err() != nil {
		logger.Info("shutting down", map[string]interface{}{"reason": ctx.Err().Error()})
		return nil
	}
	return err
}

func newValidator() *safety.Validator {
	return safety.NewValidator()
}

func buildOptions(host string, port int, attackMode bool, engineFlag string, overrides yamlOverrides) []core.Option {
	var opts []core.Option

	if overrides.Engine != "" {
		opts = append(opts, core.WithEngine(overrides.Engine))
	}
	if engineFlag != "" {
		opts = append(opts, core.WithEngine(engineFlag))
	}
	if overrides.Provider != "" {
		opts = append(opts, core.WithProvider(overrides.Provider, "", ""))
	}

	effectiveHost := overrides.Host
	effectivePort := overrides.Port
	if host != "" {
		effectiveHost = host
	}
	if port != 0 {
		effectivePort = port
	}
	if effectiveHost != "" || effectivePort != 0 {
		h := effectiveHost
		if h == "" {
			h = core.DefaultConfig().Socket.Host
		}
		p := effectivePort
		if p == 0 {
			p = core.DefaultConfig().Socket.Port
		}
		opts = append(opts, core.WithSocketAddr(h, p))
	}

	if attackMode || (overrides.AttackMode != nil && *overrides.AttackMode) {
		opts = append(opts, core.WithAttackMode(true))
	}
	if overrides.DBPath != "" {
		opts = append(opts, core.WithDBPath(overrides.DBPath))
	}

	return opts
}

func loadYAMLOverrides(path string) (yamlOverrides, error) {
	var overrides yamlOverrides
	if path == "" {
		return overrides, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return overrides, err
	}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return overrides, err
	}
	return overrides, nil
}

func buildProvider(cfg *core.Config) ai.Provider {
	providerCfg := ai.Config{
		APIKey:      cfg.Engine.APIKey,
		BaseURL:     cfg.Engine.BaseURL,
		Model:       cfg.Engine.Model,
		Temperature: cfg.Engine.Temperature,
		Timeout:     cfg.Engine.Timeout,
		Logger:      cfg.Logger(),
	}
	switch cfg.Engine.Provider {
	case "openai":
		return openai.New(providerCfg)
	case "anthropic":
		return anthropic.New(providerCfg)
	default:
		return mock.New(cfg.Engine.Model)
	}
}

func buildRecommender(cfg *core.Config, provider ai.Provider, modelPath string) engine.Recommender {
	switch cfg.Engine.Engine {
	case "baseline":
		return engine.NewBaseline()
	case "ml":
		return engine.NewML(engine.NewTrendPredictor(modelPath), core.DefaultConstraints())
	default:
		workflowCfg := workflow.DefaultConfig()
		workflowCfg.MaxSteps = cfg.Engine.MaxSteps
		workflowCfg.Timeout = cfg.Engine.Timeout
		return engine.NewAgent(workflowCfg, provider)
	}
}

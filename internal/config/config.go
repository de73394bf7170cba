// Package config loads and validates the typed runtime configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration consumed at construction time.
type Config struct {
	General       GeneralConfig             `yaml:"general"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Personalities PersonalitiesConfig       `yaml:"personalities"`
	Memory        MemoryConfig              `yaml:"memory"`
	Redis         RedisConfig               `yaml:"redis"`
	CoreRuntime   CoreRuntimeConfig         `yaml:"core_runtime"`
	Server        ServerConfig              `yaml:"server"`
	Logging       LoggingConfig             `yaml:"logging"`
}

// GeneralConfig holds top-level defaults.
type GeneralConfig struct {
	// CurrentProvider is the default provider for planning and LLM steps.
	CurrentProvider string `yaml:"current_provider"`
}

// ModelPricing stores cost per million tokens for a model.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	// Model is the default model for this provider.
	Model string `yaml:"model"`

	// EmbeddingModel is the default embedding model, when supported.
	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// APIKey may reference an environment variable as ${VAR_NAME};
	// placeholders are resolved during load.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (used for proxies and for
	// OpenAI-compatible providers).
	BaseURL string `yaml:"base_url,omitempty"`

	MaxRetries       int `yaml:"max_retries"`
	BaseBackoffMs    int `yaml:"base_backoff_ms"`
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// Pricing maps model name to per-million-token prices in USD.
	Pricing map[string]ModelPricing `yaml:"pricing,omitempty"`
}

// RequestTimeout returns the per-attempt timeout as a duration.
func (p ProviderConfig) RequestTimeout() time.Duration {
	if p.RequestTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.RequestTimeoutMs) * time.Millisecond
}

// PersonalitiesConfig wires the personality pack manager.
type PersonalitiesConfig struct {
	Directory            string `yaml:"directory"`
	DefaultPersonalityID string `yaml:"default_personality_id"`

	// WatchForChanges enables fsnotify-driven auto reload of the pack
	// directory.
	WatchForChanges bool `yaml:"watch_for_changes"`
}

// LanceDBConfig wires the vector store backend.
type LanceDBConfig struct {
	URI                   string `yaml:"uri"`
	TableName             string `yaml:"table_name"`
	EmbeddingFunctionName string `yaml:"embedding_function_name"`
	EmbeddingModelName    string `yaml:"embedding_model_name"`
}

// MemoryConfig toggles the memory backends.
type MemoryConfig struct {
	RedisEnabled       bool          `yaml:"redis_enabled"`
	VectorStoreEnabled bool          `yaml:"vector_store_enabled"`
	LanceDB            LanceDBConfig `yaml:"lancedb"`
}

// RedisConfig wires the cache backend.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CoreRuntimeConfig bounds turn execution.
type CoreRuntimeConfig struct {
	MaxTurnDurationSeconds      int  `yaml:"max_turn_duration_seconds"`
	MaxStepsPerPlan             int  `yaml:"max_steps_per_plan"`
	MaxPlanGenerationRetries    int  `yaml:"max_plan_generation_retries"`
	MaxStepExecutionRetries     int  `yaml:"max_step_execution_retries"`
	MaxConversationHistoryTurns int  `yaml:"max_conversation_history_turns"`
	MaxContextTokensForLLM      int  `yaml:"max_context_tokens_for_llm"`
	MaxConcurrentSteps          int  `yaml:"max_concurrent_steps"`
	StepTimeoutSeconds          int  `yaml:"step_timeout_seconds"`
	FailFast                    bool `yaml:"fail_fast"`
}

// MaxTurnDuration returns the whole-turn watchdog duration.
func (c CoreRuntimeConfig) MaxTurnDuration() time.Duration {
	if c.MaxTurnDurationSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.MaxTurnDurationSeconds) * time.Second
}

// StepTimeout returns the per-step wall clock limit.
func (c CoreRuntimeConfig) StepTimeout() time.Duration {
	if c.StepTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig wires the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with production defaults applied.
func Default() Config {
	return Config{
		General: GeneralConfig{CurrentProvider: "openai"},
		Personalities: PersonalitiesConfig{
			Directory:            "./personalities",
			DefaultPersonalityID: "default",
		},
		Memory: MemoryConfig{
			RedisEnabled:       false,
			VectorStoreEnabled: false,
			LanceDB: LanceDBConfig{
				URI:       "./data/vector_store",
				TableName: "agent_memory",
			},
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		CoreRuntime: CoreRuntimeConfig{
			MaxTurnDurationSeconds:      120,
			MaxStepsPerPlan:             25,
			MaxPlanGenerationRetries:    2,
			MaxStepExecutionRetries:     3,
			MaxConversationHistoryTurns: 20,
			MaxContextTokensForLLM:      8000,
			MaxConcurrentSteps:          16,
			StepTimeoutSeconds:          60,
			FailFast:                    true,
		},
		Server:  ServerConfig{ListenAddr: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.General.CurrentProvider == "" {
		return fmt.Errorf("general.current_provider is required")
	}
	if _, ok := c.Providers[c.General.CurrentProvider]; !ok {
		return fmt.Errorf("general.current_provider %q has no providers.%s section",
			c.General.CurrentProvider, c.General.CurrentProvider)
	}
	for name, p := range c.Providers {
		if p.APIKey == "" {
			return fmt.Errorf("providers.%s.api_key is required (set the referenced environment variable)", name)
		}
		if p.Model == "" {
			return fmt.Errorf("providers.%s.model is required", name)
		}
	}
	if c.Personalities.Directory == "" {
		return fmt.Errorf("personalities.directory is required")
	}
	if c.CoreRuntime.MaxStepsPerPlan <= 0 {
		return fmt.Errorf("core_runtime.max_steps_per_plan must be positive")
	}
	if c.Memory.RedisEnabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when memory.redis_enabled is set")
	}
	return nil
}

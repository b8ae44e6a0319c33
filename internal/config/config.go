// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Relay.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Agent      AgentConfig      `yaml:"agent"`
	Channels   ChannelsConfig   `yaml:"channels"`
	LLM        LLMConfig        `yaml:"llm"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Gate       GateConfig       `yaml:"gate"`
	Cron       CronConfig       `yaml:"cron"`
	Tools      ToolsConfig      `yaml:"tools"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// AgentConfig identifies the agent persona driving the loop.
type AgentConfig struct {
	ID           string `yaml:"id"`
	SystemPrompt string `yaml:"system_prompt"`
	Workspace    string `yaml:"workspace"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// LLMConfig lists providers in failover priority order.
type LLMConfig struct {
	// Providers are tried in order; the first entry is the primary.
	Providers    []LLMProviderConfig `yaml:"providers"`
	DefaultModel string              `yaml:"default_model"`
	MaxTokens    int                 `yaml:"max_tokens"`
	// RequestTimeout bounds a single completion call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LLMProviderConfig struct {
	// Name selects the backend: "anthropic" or "openai".
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// DispatchConfig tunes the per-message pipeline.
type DispatchConfig struct {
	// GroupAllowlist lists group ids that do not require explicit
	// addressing for activation.
	GroupAllowlist []string `yaml:"group_allowlist"`
	// Mention is the trigger prefix required in non-allowlisted groups.
	Mention string `yaml:"mention"`

	RateWindow   time.Duration `yaml:"rate_window"`
	RateMax      int           `yaml:"rate_max"`
	DedupeTTL    time.Duration `yaml:"dedupe_ttl"`
	EventTTL     time.Duration `yaml:"event_ttl"`
}

type GateConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

type CronConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ToolsConfig struct {
	// Timeout bounds one tool execution.
	Timeout time.Duration `yaml:"timeout"`
	// Config is the read-only map exposed to tools. Never put secrets here.
	Config map[string]string `yaml:"config"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no
// providers or channels enabled.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "relay"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.RequestTimeout == 0 {
		cfg.LLM.RequestTimeout = 2 * time.Minute
	}
	if cfg.Dispatch.Mention == "" {
		cfg.Dispatch.Mention = "@relay"
	}
	if cfg.Dispatch.RateWindow == 0 {
		cfg.Dispatch.RateWindow = time.Minute
	}
	if cfg.Dispatch.RateMax == 0 {
		cfg.Dispatch.RateMax = 20
	}
	if cfg.Dispatch.DedupeTTL == 0 {
		cfg.Dispatch.DedupeTTL = 10 * time.Minute
	}
	if cfg.Dispatch.EventTTL == 0 {
		cfg.Dispatch.EventTTL = 7 * 24 * time.Hour
	}
	if cfg.Gate.ConfirmTimeout == 0 {
		cfg.Gate.ConfirmTimeout = 120 * time.Second
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	for i, p := range c.LLM.Providers {
		switch p.Name {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("llm.providers[%d]: unknown provider %q", i, p.Name)
		}
	}
	if c.Dispatch.RateMax < 0 {
		return fmt.Errorf("dispatch.rate_max must be >= 0")
	}
	return nil
}

// Package config loads and validates the ConvoAI configuration file.
//
// Configuration is a single YAML document. Environment variables inside
// the file are expanded before parsing, and the usual secrets
// (verification key, provider API keys) may also be supplied directly
// through the environment, which takes precedence over the file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the ConvoAI gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Auth       AuthConfig       `yaml:"auth"`
	Model      ModelConfig      `yaml:"model"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type StoreConfig struct {
	// Backend selects the conversation store: "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. Ignored for the memory backend.
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// VerificationKey is the HMAC key bearer tokens are verified with.
	// Startup is refused when it is empty.
	VerificationKey string        `yaml:"verification_key"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
}

type ModelConfig struct {
	// Provider selects the completion backend: "openai" or "anthropic".
	Provider        string `yaml:"provider"`
	Name            string `yaml:"name"`
	MaxTokens       int    `yaml:"max_tokens"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

type PipelineConfig struct {
	MaxToolHops   int           `yaml:"max_tool_hops"`
	ModelRetries  int           `yaml:"model_retries"`
	HistoryWindow int           `yaml:"history_window"`
	ModelTimeout  time.Duration `yaml:"model_timeout"`
}

type DispatcherConfig struct {
	DiscoverTimeout          time.Duration `yaml:"discover_timeout"`
	InvokeTimeout            time.Duration `yaml:"invoke_timeout"`
	MaxConcurrentDiscoveries int64         `yaml:"max_concurrent_discoveries"`
}

type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled"`
	// ListenAddr is where the ingest service listens. It must stay on a
	// private interface; the ingest endpoints are unauthenticated.
	ListenAddr string `yaml:"listen_addr"`
	// IngestURL is the base URL the gateway emits events to.
	IngestURL string `yaml:"ingest_url"`
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads, parses, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "openai"
	}
	if cfg.Model.Name == "" {
		switch cfg.Model.Provider {
		case "anthropic":
			cfg.Model.Name = "claude-3-5-sonnet-latest"
		default:
			cfg.Model.Name = "gpt-4o"
		}
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 4096
	}
	if cfg.Pipeline.MaxToolHops == 0 {
		cfg.Pipeline.MaxToolHops = 5
	}
	if cfg.Pipeline.ModelRetries == 0 {
		cfg.Pipeline.ModelRetries = 2
	}
	if cfg.Pipeline.HistoryWindow == 0 {
		cfg.Pipeline.HistoryWindow = 16
	}
	if cfg.Pipeline.ModelTimeout == 0 {
		cfg.Pipeline.ModelTimeout = 60 * time.Second
	}
	if cfg.Dispatcher.DiscoverTimeout == 0 {
		cfg.Dispatcher.DiscoverTimeout = 2 * time.Second
	}
	if cfg.Dispatcher.InvokeTimeout == 0 {
		cfg.Dispatcher.InvokeTimeout = 10 * time.Second
	}
	if cfg.Dispatcher.MaxConcurrentDiscoveries == 0 {
		cfg.Dispatcher.MaxConcurrentDiscoveries = 4
	}
	if cfg.Analytics.ListenAddr == "" {
		cfg.Analytics.ListenAddr = "127.0.0.1:9091"
	}
	if cfg.Analytics.IngestURL == "" {
		cfg.Analytics.IngestURL = "http://127.0.0.1:9091"
	}
	if cfg.Analytics.Backend == "" {
		cfg.Analytics.Backend = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides lets secrets bypass the config file entirely.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONVOAI_VERIFICATION_KEY"); v != "" {
		cfg.Auth.VerificationKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Model.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Model.AnthropicAPIKey = v
	}
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	if c.Auth.VerificationKey == "" {
		return fmt.Errorf("auth.verification_key is required (or set CONVOAI_VERIFICATION_KEY)")
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or sqlite, got %q", c.Store.Backend)
	}

	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("model.provider must be openai or anthropic, got %q", c.Model.Provider)
	}

	switch c.Analytics.Backend {
	case "memory":
	case "sqlite":
		if c.Analytics.Path == "" {
			return fmt.Errorf("analytics.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("analytics.backend must be memory or sqlite, got %q", c.Analytics.Backend)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

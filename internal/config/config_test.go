package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convoai.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  verification_key: test-secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Model.Provider != "openai" || cfg.Model.Name != "gpt-4o" {
		t.Errorf("Model = %q/%q, want openai/gpt-4o", cfg.Model.Provider, cfg.Model.Name)
	}
	if cfg.Pipeline.MaxToolHops != 5 || cfg.Pipeline.ModelRetries != 2 || cfg.Pipeline.ModelTimeout != 60*time.Second {
		t.Errorf("Pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Dispatcher.DiscoverTimeout != 2*time.Second || cfg.Dispatcher.InvokeTimeout != 10*time.Second {
		t.Errorf("Dispatcher defaults = %+v", cfg.Dispatcher)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadDefaultsModelNamePerProvider(t *testing.T) {
	path := writeConfig(t, `
auth:
  verification_key: test-secret
model:
  provider: anthropic
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.Name != "claude-3-5-sonnet-latest" {
		t.Errorf("Model.Name = %q", cfg.Model.Name)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
auth:
  verification_key: test-secret
server:
  listen_addr: ":8080"
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRequiresVerificationKey(t *testing.T) {
	t.Setenv("CONVOAI_VERIFICATION_KEY", "")
	path := writeConfig(t, `
server:
  listen_addr: ":8080"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "verification_key") {
		t.Fatalf("expected verification_key error, got %v", err)
	}
}

func TestLoadValidatesProvider(t *testing.T) {
	path := writeConfig(t, `
auth:
  verification_key: test-secret
model:
  provider: cohere
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "model.provider") {
		t.Fatalf("expected model.provider error, got %v", err)
	}
}

func TestLoadValidatesSQLitePath(t *testing.T) {
	path := writeConfig(t, `
auth:
  verification_key: test-secret
store:
  backend: sqlite
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "store.path") {
		t.Fatalf("expected store.path error, got %v", err)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("CONVOAI_TEST_KEY", "expanded-secret")
	path := writeConfig(t, `
auth:
  verification_key: ${CONVOAI_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.VerificationKey != "expanded-secret" {
		t.Errorf("VerificationKey = %q", cfg.Auth.VerificationKey)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("CONVOAI_VERIFICATION_KEY", "env-key")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := writeConfig(t, `
auth:
  verification_key: file-key
model:
  openai_api_key: sk-file
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.VerificationKey != "env-key" {
		t.Errorf("VerificationKey = %q, want env-key", cfg.Auth.VerificationKey)
	}
	if cfg.Model.OpenAIAPIKey != "sk-env" {
		t.Errorf("OpenAIAPIKey = %q, want sk-env", cfg.Model.OpenAIAPIKey)
	}
}

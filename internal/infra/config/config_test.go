package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Storage.Path == "" || cfg.Files.Dir == "" {
		t.Error("storage paths must have defaults")
	}
	if cfg.Generation.TitleDelay != 2*time.Second {
		t.Errorf("title delay = %v", cfg.Generation.TitleDelay)
	}
	if cfg.Generation.TokenEncoding != "cl100k_base" {
		t.Errorf("token encoding = %q", cfg.Generation.TokenEncoding)
	}
	if !cfg.LLM.CircuitBreaker.Enabled {
		t.Error("circuit breaker should default on")
	}

	if len(cfg.LLM.Providers) != 2 {
		t.Fatalf("stock providers = %d, want 2", len(cfg.LLM.Providers))
	}
	together := cfg.LLM.Providers[0]
	if together.Type != "together" || !together.Enabled {
		t.Errorf("first stock provider = %+v", together)
	}
	openrouter := cfg.LLM.Providers[1]
	if openrouter.Type != "openai" || openrouter.Enabled {
		t.Errorf("second stock provider = %+v", openrouter)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.LLM.Providers) != 2 {
		t.Errorf("providers = %d, want stock defaults", len(cfg.LLM.Providers))
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  path: /tmp/test/chat.db
generation:
  system_prompt: "be brief"
  default_model: gpt-4o
  title_delay: 5s
  history_token_budget: 4096
logger:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/tmp/test/chat.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Generation.SystemPrompt != "be brief" || cfg.Generation.DefaultModel != "gpt-4o" {
		t.Errorf("generation = %+v", cfg.Generation)
	}
	if cfg.Generation.TitleDelay != 5*time.Second {
		t.Errorf("title delay = %v", cfg.Generation.TitleDelay)
	}
	if cfg.Generation.HistoryTokenBudget != 4096 {
		t.Errorf("token budget = %d", cfg.Generation.HistoryTokenBudget)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("logger level = %q", cfg.Logger.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Generation.TokenEncoding != "cl100k_base" {
		t.Errorf("token encoding = %q", cfg.Generation.TokenEncoding)
	}
	if cfg.Logger.Format != "text" {
		t.Errorf("logger format = %q", cfg.Logger.Format)
	}
}

func TestLoadReplacesProviderList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm:
  providers:
    - id: mine
      type: openai
      name: My Gateway
      enabled: true
      base_url: https://gw.example.com/v1
      api_key: secret
      requests_per_minute: 30
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.LLM.Providers) != 1 {
		t.Fatalf("providers = %d, want 1 (configured list replaces stock)", len(cfg.LLM.Providers))
	}
	p := cfg.LLM.Providers[0]
	if p.ID != "mine" || p.APIKey != "secret" || p.RequestsPerMinute != 30 {
		t.Errorf("provider = %+v", p)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("CHAT_TEST_KEY", "sk-from-env")
	t.Setenv("CHAT_TEST_BASE", "https://env.example.com/v1")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm:
  providers:
    - id: p1
      type: openai
      enabled: true
      base_url: ${CHAT_TEST_BASE}
      api_key: ${CHAT_TEST_KEY}
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.LLM.Providers[0]
	if p.APIKey != "sk-from-env" {
		t.Errorf("api key = %q", p.APIKey)
	}
	if p.BaseURL != "https://env.example.com/v1" {
		t.Errorf("base url = %q", p.BaseURL)
	}
}

func TestLoadUnsetEnvExpandsEmpty(t *testing.T) {
	os.Unsetenv("CHAT_TEST_UNSET_KEY")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm:
  providers:
    - id: p1
      type: openai
      api_key: ${CHAT_TEST_UNSET_KEY}
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.Providers[0].APIKey; got != "" {
		t.Errorf("api key = %q, want empty", got)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage: [not: a: map"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

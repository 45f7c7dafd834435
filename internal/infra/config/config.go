package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Files      FilesConfig      `yaml:"files"`
	Generation GenerationConfig `yaml:"generation"`
	LLM        LLMConfig        `yaml:"llm"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// StorageConfig locates the conversation database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// FilesConfig locates the local image store.
type FilesConfig struct {
	Dir string `yaml:"dir"`
}

// GenerationConfig tunes the generation pipeline.
type GenerationConfig struct {
	// SystemPrompt, when non-empty, is prepended to every outbound request.
	SystemPrompt string `yaml:"system_prompt"`
	// DefaultModel selects the model used when the caller has not picked one.
	DefaultModel string `yaml:"default_model"`
	// TitleDelay is how long after a successful exchange the one-shot title
	// job fires. Any new operation on the conversation cancels it.
	TitleDelay time.Duration `yaml:"title_delay"`
	// HistoryTokenBudget, when > 0, trims oldest history so the outbound
	// request stays within this many tokens.
	HistoryTokenBudget int `yaml:"history_token_budget"`
	// TokenEncoding names the tiktoken encoding used for budget counting.
	TokenEncoding string `yaml:"token_encoding"`
	// Temperature and TopP are passed through to providers when set.
	Temperature *float64 `yaml:"temperature,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty"`
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	Providers      []ProviderConfig     `yaml:"providers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderConfig configures one provider account.
type ProviderConfig struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
	// RequestsPerMinute, when > 0, rate limits calls to this provider.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// PoolConfig tunes the HTTP connection pool per provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig configures the provider circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.curri-chat/data. Falls back to "./data" if $HOME cannot be
// determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".curri-chat", "data")
}

// Defaults returns a Config with sensible defaults, including the two stock
// provider accounts.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "conversations.db"),
		},
		Files: FilesConfig{
			Dir: filepath.Join(dataDir, "images"),
		},
		Generation: GenerationConfig{
			TitleDelay:    2 * time.Second,
			TokenEncoding: "cl100k_base",
		},
		LLM: LLMConfig{
			Providers: []ProviderConfig{
				{
					ID:      "f4e66e5d-6cb3-4e8e-af3a-cad2b943f296",
					Type:    "together",
					Name:    "TogetherAI",
					Enabled: true,
					BaseURL: "https://api.together.xyz/v1",
					APIKey:  "${TOGETHER_API_KEY}",
				},
				{
					ID:      "1eeea727-9ee5-4cae-93e6-6fb01a4d051e",
					Type:    "openai",
					Name:    "OpenRouter",
					Enabled: false,
					BaseURL: "https://openrouter.ai/api/v1",
					APIKey:  "${OPENROUTER_API_KEY}",
				},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled: true,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, expands ${ENV} references, and merges it
// over Defaults. A missing path returns Defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		cfg.expand()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.expand()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.expand()
	return cfg, nil
}

// expand resolves ${ENV} references in provider credentials and URLs.
// Unset variables expand to the empty string.
func (c *Config) expand() {
	for i := range c.LLM.Providers {
		p := &c.LLM.Providers[i]
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
	}
}

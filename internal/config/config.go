// Package config loads DraftForge configuration from a YAML file with
// environment-variable overrides and in-code defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Runner  RunnerConfig  `yaml:"runner"`
	Context ContextConfig `yaml:"context"`
	Storage StorageConfig `yaml:"storage"`
	Phases  PhasesConfig  `yaml:"phases"`
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the model invoker.
type LLMConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	Timeout        string `yaml:"timeout"`
	MaxRetries     int    `yaml:"max_retries"`
	RateLimitDelay string `yaml:"rate_limit_delay"`
}

// TimeoutDuration parses the timeout, falling back to two minutes.
func (c LLMConfig) TimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
		return d
	}
	return 2 * time.Minute
}

// RateLimitDuration parses the inter-request delay, defaulting to 600ms.
func (c LLMConfig) RateLimitDuration() time.Duration {
	if d, err := time.ParseDuration(c.RateLimitDelay); err == nil && d >= 0 {
		return d
	}
	return 600 * time.Millisecond
}

// RunnerConfig bounds the draft/review convergence loop.
type RunnerConfig struct {
	Strategy      string `yaml:"strategy"`
	MaxIterations int    `yaml:"max_iterations"`
	PassScore     int    `yaml:"pass_score"`
	MaxTokens     int    `yaml:"max_tokens"`
}

// ContextConfig caps assembled context size.
type ContextConfig struct {
	MaxArtifacts       int `yaml:"max_artifacts"`
	MaxAssets          int `yaml:"max_assets"`
	OutputExcerptLen   int `yaml:"output_excerpt_len"`
	ArtifactExcerptLen int `yaml:"artifact_excerpt_len"`
	OutputsBudget      int `yaml:"outputs_budget"`
	ArtifactsBudget    int `yaml:"artifacts_budget"`
	InlineImageLimit   int `yaml:"inline_image_limit"`
	InlineTextLimit    int `yaml:"inline_text_limit"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// PhasesConfig locates optional prompt overrides.
type PhasesConfig struct {
	OverridesPath  string `yaml:"overrides_path"`
	WatchOverrides bool   `yaml:"watch_overrides"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o",
			Timeout:        "2m",
			MaxRetries:     3,
			RateLimitDelay: "600ms",
		},
		Runner: RunnerConfig{
			Strategy:      "plan-draft-review",
			MaxIterations: 3,
			PassScore:     85,
			MaxTokens:     4096,
		},
		Context: ContextConfig{
			MaxArtifacts:       20,
			MaxAssets:          10,
			OutputExcerptLen:   2000,
			ArtifactExcerptLen: 1200,
			OutputsBudget:      12000,
			ArtifactsBudget:    8000,
			InlineImageLimit:   2 << 20,  // 2 MiB
			InlineTextLimit:    64 << 10, // 64 KiB
		},
		Storage: StorageConfig{
			DatabasePath: "draftforge.db",
		},
	}
}

// Load reads the config file at path (optional), merges it over defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range loop settings.
func (c *Config) Validate() error {
	if c.Runner.MaxIterations < 1 || c.Runner.MaxIterations > 5 {
		return fmt.Errorf("runner.max_iterations must be in [1,5], got %d", c.Runner.MaxIterations)
	}
	if c.Runner.PassScore < 0 || c.Runner.PassScore > 100 {
		return fmt.Errorf("runner.pass_score must be in [0,100], got %d", c.Runner.PassScore)
	}
	return nil
}

// applyEnvOverrides lets deployment environments override file settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DRAFTFORGE_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DRAFTFORGE_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("DRAFTFORGE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("DRAFTFORGE_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("DRAFTFORGE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runner.MaxIterations = n
		}
	}
	if v := os.Getenv("DRAFTFORGE_PASS_SCORE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runner.PassScore = n
		}
	}
	if v := os.Getenv("DRAFTFORGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Debug = b
		}
	}
}

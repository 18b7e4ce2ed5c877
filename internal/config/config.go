// Package config loads vrlforge configuration: YAML file, built-in defaults,
// and VRLFORGE_* environment overrides, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	Generation  GenerationConfig  `yaml:"generation"`
	Runner      RunnerConfig      `yaml:"runner"`
	Performance PerformanceConfig `yaml:"performance"`
	Samples     SamplesConfig     `yaml:"samples"`
	Logging     LoggingConfig     `yaml:"logging"`
	// StorePath is the SQLite session archive location.
	StorePath string `yaml:"store_path"`
	// UsagePath is the JSON usage-accounting file.
	UsagePath string `yaml:"usage_path"`
}

// LLMConfig selects and parameterizes the completion provider.
type LLMConfig struct {
	// Provider is "openai" or "gemini".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKey is normally supplied via environment, not the file.
	APIKey string `yaml:"api_key"`
	// BaseURL points OpenAI-compatible clients at proxies (LiteLLM, etc).
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	// Retries bounds transient-failure retries per call.
	Retries int `yaml:"retries"`
}

// GenerationConfig bounds the iteration loop.
type GenerationConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	// ChronicThreshold is how many occurrences of one error category
	// trigger the reminder block in repair prompts.
	ChronicThreshold int `yaml:"chronic_threshold"`
	// ExpectedFields are event fields the generated program must extract.
	ExpectedFields []string `yaml:"expected_fields"`
	// MinFieldRate is the fraction of events each expected field must
	// appear in. 0 disables the check.
	MinFieldRate float64 `yaml:"min_field_rate"`
	// LocalPatchEnabled controls the mechanical repair engine.
	LocalPatchEnabled bool `yaml:"local_patch_enabled"`
}

// Duration decodes YAML duration strings like "45s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RunnerConfig parameterizes the vector subprocess.
type RunnerConfig struct {
	Binary  string   `yaml:"binary"`
	Timeout Duration `yaml:"timeout"`
}

// PerformanceConfig parameterizes the measurement stage.
type PerformanceConfig struct {
	// Variants is how many candidate programs to race.
	Variants int `yaml:"variants"`
	// Runs is how many measurement repetitions feed the statistics.
	Runs int `yaml:"runs"`
	// EventsPerRun sizes the synthetic measurement input.
	EventsPerRun int `yaml:"events_per_run"`
	// OptimizeFor is "performance" or "coverage".
	OptimizeFor string `yaml:"optimize_for"`
}

// SamplesConfig bounds sample preparation.
type SamplesConfig struct {
	MaxLines    int `yaml:"max_lines"`
	TokenBudget int `yaml:"token_budget"`
	BatchSize   int `yaml:"batch_size"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			MaxTokens:   2048,
			Temperature: 0.2,
			Retries:     2,
		},
		Generation: GenerationConfig{
			MaxIterations:     5,
			ChronicThreshold:  3,
			LocalPatchEnabled: true,
		},
		Runner: RunnerConfig{
			Binary:  "vector",
			Timeout: Duration(45 * time.Second),
		},
		Performance: PerformanceConfig{
			Variants:     3,
			Runs:         3,
			EventsPerRun: 10000,
			OptimizeFor:  "performance",
		},
		Samples: SamplesConfig{
			MaxLines:    1000,
			TokenBudget: 4000,
			BatchSize:   5,
		},
		StorePath: "vrlforge.db",
		UsagePath: "vrlforge-usage.json",
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VRLFORGE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("VRLFORGE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("VRLFORGE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("VRLFORGE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("VRLFORGE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Generation.MaxIterations = n
		}
	}
	if v := os.Getenv("VRLFORGE_RUNNER_BINARY"); v != "" {
		cfg.Runner.Binary = v
	}
	if v := os.Getenv("VRLFORGE_RUNNER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runner.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("VRLFORGE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("VRLFORGE_DEBUG"); v != "" {
		cfg.Logging.Debug = v == "1" || v == "true"
	}
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Generation.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.Generation.MaxIterations)
	}
	if c.Generation.ChronicThreshold < 1 {
		return fmt.Errorf("chronic_threshold must be >= 1, got %d", c.Generation.ChronicThreshold)
	}
	switch c.Performance.OptimizeFor {
	case "performance", "coverage":
	default:
		return fmt.Errorf("optimize_for must be performance or coverage, got %q", c.Performance.OptimizeFor)
	}
	return nil
}

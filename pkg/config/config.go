// Package config provides configuration structures and loading logic for the
// assessment service and the evaluation pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/polisai/plantwatch/internal/governance"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/metrics"
	"gopkg.in/yaml.v3"
)

// Config holds the global configuration.
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Logging      LoggingConfig   `yaml:"logging"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	LLM          LLMConfig       `yaml:"llm"`
	Guardrails   GuardrailConfig `yaml:"guardrails"`
	Sampling     SamplingConfig  `yaml:"sampling"`
	Queue        QueueConfig     `yaml:"queue"`
	Store        StoreConfig     `yaml:"store"`
	QualityGates metrics.Gates   `yaml:"quality_gates"`
	GatePolicy   string          `yaml:"gate_policy"`
	// PromptsDir overrides embedded prompt templates file by file.
	PromptsDir string `yaml:"prompts_dir"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
	// SampleRatio keeps this fraction of traces; zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LLMConfig describes the chat completions endpoint shared by the
// classifier, the assessment model and the judge.
type LLMConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	ClassifierModel string        `yaml:"classifier_model"`
	JudgeModel      string        `yaml:"judge_model"`
	Timeout         time.Duration `yaml:"timeout"`
	JudgeTimeout    time.Duration `yaml:"judge_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	// JudgeRPS limits judge calls per second; zero means unlimited.
	JudgeRPS   float64 `yaml:"judge_rps"`
	JudgeBurst int     `yaml:"judge_burst"`
	// JudgeDisabled stores sampled records unscored.
	JudgeDisabled bool `yaml:"judge_disabled"`
}

// GuardrailConfig controls the input guardrail.
type GuardrailConfig struct {
	Enabled           bool                 `yaml:"enabled"`
	PIIRedaction      bool                 `yaml:"pii_redaction"`
	FailurePolicy     string               `yaml:"failure_policy"`
	ClassifierTimeout time.Duration        `yaml:"classifier_timeout"`
	Breaker           BreakerConfig        `yaml:"breaker"`
	Analyzer          AnalyzerConfig       `yaml:"pii_analyzer"`
	Policy            domain.FailurePolicy `yaml:"-"`
}

// AnalyzerConfig points at an optional Presidio-compatible analyzer that
// runs alongside the builtin PII rules. An empty endpoint disables it.
type AnalyzerConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Language string        `yaml:"language"`
	MinScore float64       `yaml:"min_score"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BreakerConfig mirrors governance.CircuitBreakerConfig in YAML form.
type BreakerConfig struct {
	MaxFailures         int           `yaml:"max_failures"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxHalfOpenRequests int           `yaml:"max_half_open_requests"`
}

// SamplingConfig controls evaluation sampling.
type SamplingConfig struct {
	Rate float64 `yaml:"rate"`
}

// QueueConfig controls evaluation delivery.
type QueueConfig struct {
	Workers        int           `yaml:"workers"`
	Buffer         int           `yaml:"buffer"`
	MaxAttempts    int           `yaml:"max_attempts"`
	MinBackoff     time.Duration `yaml:"min_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// StoreConfig selects the metrics store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	breaker := governance.DefaultCircuitBreakerConfig()
	backoff := governance.DefaultBackoffConfig()
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: "plantwatch"},
		LLM: LLMConfig{
			Model:        "gpt-4o-mini",
			JudgeModel:   "gpt-4o-mini",
			Timeout:      60 * time.Second,
			JudgeTimeout: 90 * time.Second,
			MaxRetries:   2,
		},
		Guardrails: GuardrailConfig{
			Enabled:           true,
			PIIRedaction:      true,
			FailurePolicy:     "fail_open",
			ClassifierTimeout: 5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures:         breaker.MaxFailures,
				Timeout:             breaker.Timeout,
				MaxHalfOpenRequests: breaker.MaxHalfOpenRequests,
			},
		},
		Sampling: SamplingConfig{Rate: 0.05},
		Queue: QueueConfig{
			Workers:        2,
			Buffer:         256,
			MaxAttempts:    5,
			MinBackoff:     backoff.Min,
			MaxBackoff:     backoff.Max,
			Multiplier:     backoff.Multiplier,
			AttemptTimeout: 2 * time.Minute,
		},
		Store:        StoreConfig{Driver: "memory"},
		QualityGates: metrics.DefaultGates(),
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. A .env file in the working directory is loaded first when
// present; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("PLANTWATCH_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("PLANTWATCH_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PLANTWATCH_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("PLANTWATCH_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PLANTWATCH_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		cfg.LLM.APIKey = val
	}
	if val := os.Getenv("PLANTWATCH_LLM_API_KEY"); val != "" {
		cfg.LLM.APIKey = val
	}
	if val := os.Getenv("PLANTWATCH_LLM_ENDPOINT"); val != "" {
		cfg.LLM.Endpoint = val
	}
	if val := os.Getenv("PLANTWATCH_MODEL"); val != "" {
		cfg.LLM.Model = val
	}
	if val := os.Getenv("PLANTWATCH_JUDGE_MODEL"); val != "" {
		cfg.LLM.JudgeModel = val
	}

	if val := os.Getenv("PLANTWATCH_GUARDRAILS_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%w: PLANTWATCH_GUARDRAILS_ENABLED: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Guardrails.Enabled = enabled
	}
	if val := os.Getenv("PLANTWATCH_PII_REDACTION"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%w: PLANTWATCH_PII_REDACTION: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Guardrails.PIIRedaction = enabled
	}
	if val := os.Getenv("PLANTWATCH_FAILURE_POLICY"); val != "" {
		cfg.Guardrails.FailurePolicy = val
	}

	if val := os.Getenv("PLANTWATCH_SAMPLING_RATE"); val != "" {
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%w: PLANTWATCH_SAMPLING_RATE: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Sampling.Rate = rate
	}

	if val := os.Getenv("PLANTWATCH_STORE_DRIVER"); val != "" {
		cfg.Store.Driver = val
	}
	if val := os.Getenv("PLANTWATCH_STORE_DSN"); val != "" {
		cfg.Store.DSN = val
	}
	if val := os.Getenv("PLANTWATCH_GATE_POLICY"); val != "" {
		cfg.GatePolicy = val
	}
	return nil
}

// Validate performs validation of the entire configuration and normalises
// derived fields.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry configuration: %w: sample_ratio must be in [0,1], got %v", domain.ErrConfigInvalid, r)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration: %w", err)
	}
	if err := c.Guardrails.Validate(); err != nil {
		return fmt.Errorf("guardrails configuration: %w", err)
	}
	if err := c.Sampling.Validate(); err != nil {
		return fmt.Errorf("sampling configuration: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue configuration: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration: %w", err)
	}
	if err := validateGates(c.QualityGates); err != nil {
		return fmt.Errorf("quality_gates configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("%w: invalid log level %q, supported levels: debug, info, warn, error", domain.ErrConfigInvalid, c.Level)
	}
}

// Validate performs validation of LLM configuration.
func (c *LLMConfig) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model is required", domain.ErrConfigInvalid)
	}
	if c.JudgeModel == "" {
		c.JudgeModel = c.Model
	}
	if c.ClassifierModel == "" {
		c.ClassifierModel = c.Model
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", domain.ErrConfigInvalid)
	}
	if c.JudgeRPS < 0 {
		return fmt.Errorf("%w: judge_rps must not be negative", domain.ErrConfigInvalid)
	}
	if c.JudgeRPS > 0 && c.JudgeBurst <= 0 {
		c.JudgeBurst = 1
	}
	return nil
}

// Validate parses the failure policy.
func (c *GuardrailConfig) Validate() error {
	policy, err := domain.ParseFailurePolicy(c.FailurePolicy)
	if err != nil {
		return err
	}
	c.Policy = policy
	c.FailurePolicy = policy.String()
	if c.Breaker.MaxFailures < 0 || c.Breaker.MaxHalfOpenRequests < 0 {
		return fmt.Errorf("%w: breaker limits must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// CircuitBreaker converts the YAML form, filling unset fields with defaults.
func (c BreakerConfig) CircuitBreaker() governance.CircuitBreakerConfig {
	out := governance.DefaultCircuitBreakerConfig()
	if c.MaxFailures > 0 {
		out.MaxFailures = c.MaxFailures
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	if c.MaxHalfOpenRequests > 0 {
		out.MaxHalfOpenRequests = c.MaxHalfOpenRequests
	}
	return out
}

// Validate checks the rate range.
func (c *SamplingConfig) Validate() error {
	if c.Rate != c.Rate || c.Rate < 0 || c.Rate > 1 {
		return fmt.Errorf("%w: sampling rate %v outside [0, 1]", domain.ErrConfigInvalid, c.Rate)
	}
	return nil
}

// Validate performs validation of queue configuration.
func (c *QueueConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", domain.ErrConfigInvalid)
	}
	if c.Buffer <= 0 {
		return fmt.Errorf("%w: buffer must be positive", domain.ErrConfigInvalid)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max_attempts must be positive", domain.ErrConfigInvalid)
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("%w: backoff requires 0 < min_backoff <= max_backoff", domain.ErrConfigInvalid)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be at least 1", domain.ErrConfigInvalid)
	}
	return nil
}

// Backoff converts the queue schedule to a governance backoff.
func (c QueueConfig) Backoff() governance.BackoffConfig {
	return governance.BackoffConfig{
		Min:        c.MinBackoff,
		Max:        c.MaxBackoff,
		Multiplier: c.Multiplier,
		Jitter:     true,
	}
}

// Validate checks the driver.
func (c *StoreConfig) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "", "memory":
		c.Driver = "memory"
		return nil
	case "sqlite":
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("%w: sqlite store requires a dsn", domain.ErrConfigInvalid)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown store driver %q, supported drivers: memory, sqlite", domain.ErrConfigInvalid, c.Driver)
	}
}

func validateGates(g metrics.Gates) error {
	for name, v := range map[string]float64{
		metrics.GateMinAccuracy:  g.MinAccuracy,
		metrics.GateMinRelevance: g.MinRelevance,
		metrics.GateMinOverall:   g.MinOverall,
	} {
		if v < 1 || v > 5 {
			return fmt.Errorf("%w: %s %v outside [1, 5]", domain.ErrConfigInvalid, name, v)
		}
	}
	for name, v := range map[string]float64{
		metrics.GateMaxHallucinationRate: g.MaxHallucinationRate,
		metrics.GateMinSafetyPassRate:    g.MinSafetyPassRate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %v outside [0, 1]", domain.ErrConfigInvalid, name, v)
		}
	}
	return nil
}

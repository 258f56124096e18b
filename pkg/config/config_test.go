package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  address: ":9000"
  shutdown_timeout: 5s
logging:
  level: "DEBUG"
llm:
  model: "gpt-4o"
  judge_model: "gpt-4o-judge"
  judge_rps: 2
guardrails:
  enabled: true
  pii_redaction: false
  failure_policy: fail_closed
  breaker:
    max_failures: 3
sampling:
  rate: 0.25
queue:
  workers: 4
  buffer: 64
  max_attempts: 5
  min_backoff: 1s
  max_backoff: 30s
  multiplier: 2
store:
  driver: sqlite
  dsn: "file:evals.db"
quality_gates:
  min_accuracy: 4
  min_relevance: 3.5
  max_hallucination_rate: 0.05
  min_safety_pass_rate: 1
  min_overall: 3.5
gate_policy: "policies/release.rego"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plantwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "gpt-4o", cfg.LLM.ClassifierModel)
	assert.Equal(t, "gpt-4o-judge", cfg.LLM.JudgeModel)
	assert.Equal(t, 1, cfg.LLM.JudgeBurst)
	assert.False(t, cfg.Guardrails.PIIRedaction)
	assert.Equal(t, domain.FailClosed, cfg.Guardrails.Policy)
	assert.Equal(t, 3, cfg.Guardrails.Breaker.CircuitBreaker().MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Guardrails.Breaker.CircuitBreaker().Timeout)
	assert.Equal(t, 0.25, cfg.Sampling.Rate)
	assert.Equal(t, time.Second, cfg.Queue.Backoff().Min)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4.0, cfg.QualityGates.MinAccuracy)
	assert.Equal(t, "policies/release.rego", cfg.GatePolicy)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 0.05, cfg.Sampling.Rate)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, domain.FailOpen, cfg.Guardrails.Policy)
	assert.True(t, cfg.Guardrails.PIIRedaction)
	assert.Equal(t, 3.5, cfg.QualityGates.MinAccuracy)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PLANTWATCH_SAMPLING_RATE", "1")
	t.Setenv("PLANTWATCH_FAILURE_POLICY", "fail_closed")
	t.Setenv("PLANTWATCH_PII_REDACTION", "false")
	t.Setenv("PLANTWATCH_STORE_DRIVER", "memory")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 1.0, cfg.Sampling.Rate)
	assert.Equal(t, domain.FailClosed, cfg.Guardrails.Policy)
	assert.False(t, cfg.Guardrails.PIIRedaction)
	assert.Equal(t, "memory", cfg.Store.Driver)

	t.Setenv("PLANTWATCH_SAMPLING_RATE", "often")
	_, err = Load("")
	assert.True(t, errors.Is(err, domain.ErrConfigInvalid))
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PLANTWATCH_JUDGE_MODEL=from-dotenv\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() { _ = os.Unsetenv("PLANTWATCH_JUDGE_MODEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.LLM.JudgeModel)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"sampling above one", func(c *Config) { c.Sampling.Rate = 1.5 }},
		{"sampling negative", func(c *Config) { c.Sampling.Rate = -0.1 }},
		{"failure policy", func(c *Config) { c.Guardrails.FailurePolicy = "sometimes" }},
		{"no workers", func(c *Config) { c.Queue.Workers = 0 }},
		{"no attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"inverted backoff", func(c *Config) { c.Queue.MaxBackoff = c.Queue.MinBackoff / 2 }},
		{"store driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"sqlite without dsn", func(c *Config) { c.Store = StoreConfig{Driver: "sqlite"} }},
		{"accuracy gate", func(c *Config) { c.QualityGates.MinAccuracy = 6 }},
		{"hallucination gate", func(c *Config) { c.QualityGates.MaxHallucinationRate = 2 }},
		{"no model", func(c *Config) { c.LLM.Model = "" }},
		{"trace ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrConfigInvalid), err.Error())
		})
	}
}

type countingObserver struct {
	success atomic.Int32
	failed  atomic.Int32
}

func (o *countingObserver) RecordConfigReload(status string) {
	if status == "success" {
		o.success.Add(1)
		return
	}
	o.failed.Add(1)
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "sampling:\n  rate: 0.1\n")
	observer := &countingObserver{}

	w, err := NewWatcher(path, observer, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	assert.Equal(t, 0.1, w.Current().Sampling.Rate)

	updates := w.Subscribe()
	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  rate: 0.5\n"), 0o600))

	select {
	case cfg := <-updates:
		assert.Equal(t, 0.5, cfg.Sampling.Rate)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	assert.Equal(t, 0.5, w.Current().Sampling.Rate)

	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  rate: 7\n"), 0o600))
	require.Eventually(t, func() bool { return observer.failed.Load() > 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0.5, w.Current().Sampling.Rate, "invalid edits keep the last good config")
}

func TestNewWatcherRequiresValidFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil, logging.Discard())
	require.Error(t, err)
}

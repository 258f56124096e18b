package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goldenDataset = "../../pkg/dataset/testdata/golden.json"

const assessmentAnswer = `{
  "health_status": "needs_attention",
  "confidence": 0.85,
  "summary": "Soil moisture is well below target.",
  "recommendations": ["Water thoroughly until it drains", "Check again in two days"]
}`

func judgeAnswer(overall int, hallucinated bool) string {
	return fmt.Sprintf(`{
  "accuracy": {"score": %[1]d, "reasoning": "matches readings"},
  "relevance": {"score": %[1]d, "reasoning": "on point"},
  "urgency_calibration": {"score": %[1]d, "reasoning": "appropriate"},
  "hallucination": {"detected": %[2]t, "evidence": ""},
  "safety": {"passed": true, "concerns": ""},
  "overall_score": %[1]d
}`, overall, hallucinated)
}

// fakeLLM answers like a chat completions endpoint, routing on the system
// prompt. judge may be swapped between runs.
type fakeLLM struct {
	judge atomic.Value
	calls atomic.Int32
}

func newFakeLLM(t *testing.T, judge string) (*fakeLLM, *httptest.Server) {
	t.Helper()
	f := &fakeLLM{}
	f.judge.Store(judge)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		system := req.Messages[0].Content
		content := assessmentAnswer
		switch {
		case strings.Contains(system, "input safety filter"):
			content = `{"allow": true, "classification": "on_topic", "reason": "plant care"}`
		case strings.Contains(system, "expert horticulturist"):
			content = f.judge.Load().(string)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"choices": []any{
				map[string]any{"message": map[string]any{"content": content}},
			},
		})
	}))
	t.Cleanup(ts.Close)
	return f, ts
}

func writeTestConfig(t *testing.T, endpoint string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "evals.db")
	cfg := fmt.Sprintf(`
llm:
  endpoint: %q
  api_key: "sk-test-secret"
  model: "plant-model"
  judge_model: "judge-model"
  max_retries: 0
store:
  driver: sqlite
  dsn: %q
queue:
  workers: 1
  buffer: 8
  max_attempts: 5
  min_backoff: 10ms
  max_backoff: 50ms
  multiplier: 2
`, endpoint, dsn)
	path := filepath.Join(dir, "plantwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, dsn
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEvalPassesGates(t *testing.T) {
	_, ts := newFakeLLM(t, judgeAnswer(5, false))
	cfgPath, _ := writeTestConfig(t, ts.URL)
	report := filepath.Join(t.TempDir(), "report.json")

	out, err := execute(t, "eval", "--config", cfgPath, "--dataset", goldenDataset, "--output", report, "--save-baseline", "main")
	require.NoError(t, err, out)
	assert.Contains(t, out, "gd-001")
	assert.Contains(t, out, "All quality gates passed")

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	var parsed evalReport
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.NotNil(t, parsed.Summary)
	assert.Equal(t, 2, parsed.Summary.Scored)
	assert.Equal(t, 5.0, parsed.Summary.MeanAccuracy)
	assert.Equal(t, "judge-model", parsed.JudgeModel)
	require.Len(t, parsed.Examples, 2)
	assert.Equal(t, exampleScored, parsed.Examples[0].Status)
	assert.Equal(t, "needs_attention", parsed.Examples[0].Expected["health_status"])
}

func TestEvalFailsGatesAgainstBaseline(t *testing.T) {
	fake, ts := newFakeLLM(t, judgeAnswer(5, false))
	cfgPath, _ := writeTestConfig(t, ts.URL)
	report := filepath.Join(t.TempDir(), "baseline.json")

	_, err := execute(t, "eval", "--config", cfgPath, "--dataset", goldenDataset, "--output", report, "--save-baseline", "main")
	require.NoError(t, err)

	fake.judge.Store(judgeAnswer(3, true))
	out, err := execute(t, "eval", "--config", cfgPath, "--dataset", goldenDataset, "--baseline", report)
	require.ErrorIs(t, err, errGatesFailed)
	assert.Contains(t, out, "Quality gates FAILED")
	assert.Contains(t, out, "regressed: avg_accuracy (-2)")

	out, err = execute(t, "eval", "--config", cfgPath, "--dataset", goldenDataset, "--baseline", "main", "--limit", "1")
	require.ErrorIs(t, err, errGatesFailed)
	assert.Contains(t, out, "hallucination_rate")
}

func TestEvalUnparseableJudgeIsInsufficientData(t *testing.T) {
	_, ts := newFakeLLM(t, "I think it is fine")
	cfgPath, _ := writeTestConfig(t, ts.URL)

	out, err := execute(t, "eval", "--config", cfgPath, "--dataset", goldenDataset)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
	assert.Contains(t, out, exampleUnscored)
}

func TestDeadLetterRequeue(t *testing.T) {
	fake, ts := newFakeLLM(t, judgeAnswer(4, false))
	cfgPath, dsn := writeTestConfig(t, ts.URL)

	store, err := storage.NewSQLiteStore(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.AddDeadLetter(ctx, domain.DeadLetter{
		Record: domain.EvaluationRecord{
			RequestID: "dead-1",
			Timestamp: time.Now().UTC(),
			PlantType: "Fern",
			Response: domain.AssessmentResponse{
				HealthStatus:    domain.HealthMinorIssues,
				Confidence:      0.7,
				Summary:         "Slightly dry.",
				Recommendations: []string{"Water lightly"},
			},
			Attempts: 5,
		},
		Attempts:  5,
		LastError: "judge call: 503",
		DeadAt:    time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	out, err := execute(t, "deadletter", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "dead-1")
	assert.Contains(t, out, "judge call: 503")

	out, err = execute(t, "deadletter", "requeue", "dead-1", "missing-1", "--config", cfgPath, "--timeout", "10s")
	require.NoError(t, err, out)
	assert.Contains(t, out, "dead-1: delivered")
	assert.Contains(t, out, "missing-1: not dead-lettered")
	assert.Positive(t, fake.calls.Load())

	out, err = execute(t, "deadletter", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No dead-lettered records")

	store, err = storage.NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	rec, err := store.Get(ctx, "dead-1")
	require.NoError(t, err)
	assert.True(t, rec.Scored())
	assert.Equal(t, 1, rec.Attempts)
}

func TestAssessCommand(t *testing.T) {
	_, ts := newFakeLLM(t, judgeAnswer(4, false))
	cfgPath, _ := writeTestConfig(t, ts.URL)

	reqPath := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{
  "plant_type": "Monstera",
  "metrics": {"soil_moisture": 20, "soil_moisture_target": 40},
  "message": "my email is a@b.com, why is it drooping?"
}`), 0o600))

	out, err := execute(t, "assess", "--config", cfgPath, "--file", reqPath)
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "assessed", res["outcome"])
	assert.Equal(t, "on_topic", res["verdict"])
}

func TestConfigCheckMasksSecrets(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, "http://127.0.0.1:1")

	out, err := execute(t, "config", "check", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
	assert.Contains(t, out, "plant-model")
	assert.NotContains(t, out, "sk-test-secret")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sampling:\n  rate: 2\n"), 0o600))
	_, err = execute(t, "config", "check", "--config", bad)
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

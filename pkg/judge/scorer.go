// Package judge grades sampled assessments with a second model call and
// turns the answer into a JudgeScore.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/polisai/plantwatch/internal/governance"
	"github.com/polisai/plantwatch/pkg/assessment"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/llm"
	"github.com/polisai/plantwatch/pkg/prompts"
	"github.com/polisai/plantwatch/pkg/schema"
	"github.com/polisai/plantwatch/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RateLimitKey is the limiter bucket judge calls draw from.
const RateLimitKey = "judge"

var scoreSchema = schema.MustCompile("judge_score", `{
  "type": "object",
  "required": ["accuracy", "relevance", "urgency_calibration", "hallucination", "safety"],
  "definitions": {
    "dimension": {
      "type": "object",
      "required": ["score"],
      "properties": {
        "score": {"type": "integer", "minimum": 1, "maximum": 5},
        "reasoning": {"type": "string"}
      }
    }
  },
  "properties": {
    "accuracy": {"$ref": "#/definitions/dimension"},
    "relevance": {"$ref": "#/definitions/dimension"},
    "urgency_calibration": {"$ref": "#/definitions/dimension"},
    "hallucination": {
      "type": "object",
      "required": ["detected"],
      "properties": {
        "detected": {"type": "boolean"},
        "evidence": {"type": "string"}
      }
    },
    "safety": {
      "type": "object",
      "required": ["passed"],
      "properties": {
        "passed": {"type": "boolean"},
        "concerns": {"type": "string"}
      }
    },
    "overall_score": {"type": "integer", "minimum": 1, "maximum": 5},
    "summary": {"type": "string"}
  }
}`)

type judgeAnswer struct {
	Accuracy           domain.DimensionScore     `json:"accuracy"`
	Relevance          domain.DimensionScore     `json:"relevance"`
	UrgencyCalibration domain.DimensionScore     `json:"urgency_calibration"`
	Hallucination      domain.HallucinationCheck `json:"hallucination"`
	Safety             domain.SafetyCheck        `json:"safety"`
	Overall            *int                      `json:"overall_score"`
	Summary            string                    `json:"summary"`
}

// Options configures a Scorer.
type Options struct {
	Model   string
	Prompts prompts.Provider
	// Limiter throttles judge calls under RateLimitKey when set.
	Limiter *governance.RateLimiter
	Timeout time.Duration
	Logger  *slog.Logger
}

// Scorer is safe for concurrent use; calls share no mutable state.
type Scorer struct {
	client  llm.Client
	model   string
	prompts prompts.Provider
	limiter *governance.RateLimiter
	timeout time.Duration
	logger  *slog.Logger
}

// NewScorer creates a Scorer backed by client.
func NewScorer(client llm.Client, opts Options) *Scorer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.EmbeddedProvider{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	return &Scorer{
		client:  client,
		model:   opts.Model,
		prompts: opts.Prompts,
		limiter: opts.Limiter,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
}

type promptData struct {
	PlantType         string
	Readings          []assessment.Reading
	AdditionalContext string
	Input             string
	Response          string
}

// Score grades rec. Call failures are returned as plain errors and may be
// retried; unparseable judge output is a *domain.ScoringError and must not
// be.
func (s *Scorer) Score(ctx context.Context, rec domain.EvaluationRecord) (domain.JudgeScore, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "judge.score")
	defer span.End()
	span.SetAttributes(
		attribute.String("evaluation.request_id", rec.RequestID),
		attribute.String("llm.model", s.model),
	)
	start := time.Now()

	score, err := s.score(ctx, rec)
	outcome := "scored"
	var serr *domain.ScoringError
	switch {
	case err == nil:
	case errors.As(err, &serr):
		outcome = "unscored"
	default:
		outcome = "failed"
	}
	telemetry.RecordScoring(ctx, outcome, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		s.logger.Warn("judge scoring failed",
			"request_id", rec.RequestID,
			"outcome", outcome,
			"error", err,
		)
		return domain.JudgeScore{}, err
	}
	span.SetAttributes(attribute.Int("judge.overall", score.Overall))
	return score, nil
}

func (s *Scorer) score(ctx context.Context, rec domain.EvaluationRecord) (domain.JudgeScore, error) {
	system, err := prompts.Text(ctx, s.prompts, prompts.JudgeSystem)
	if err != nil {
		return domain.JudgeScore{}, err
	}
	response, err := json.MarshalIndent(rec.Response, "", "  ")
	if err != nil {
		return domain.JudgeScore{}, fmt.Errorf("marshal response: %w", err)
	}
	prompt, err := prompts.Render(ctx, s.prompts, prompts.JudgeTemplate, promptData{
		PlantType:         rec.PlantType,
		Readings:          assessment.Readings(rec.Metrics),
		AdditionalContext: rec.AdditionalContext,
		Input:             rec.Input,
		Response:          string(response),
	})
	if err != nil {
		return domain.JudgeScore{}, err
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, RateLimitKey); err != nil {
			return domain.JudgeScore{}, fmt.Errorf("judge rate limit: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Generate(ctx, llm.Request{
		Model:       s.model,
		System:      system,
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   1000,
		JSON:        true,
	})
	if err != nil {
		return domain.JudgeScore{}, fmt.Errorf("judge call: %w", err)
	}

	score, err := ParseScore(resp.Text)
	if err != nil {
		return domain.JudgeScore{}, &domain.ScoringError{RequestID: rec.RequestID, Err: err}
	}
	score.JudgeModel = resp.Model
	if score.JudgeModel == "" {
		score.JudgeModel = s.model
	}
	return score, nil
}

// ParseScore decodes the judge's answer. overall_score is taken when present
// and otherwise derived as the rounded mean of the three dimensions.
func ParseScore(text string) (domain.JudgeScore, error) {
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return domain.JudgeScore{}, err
	}
	var answer judgeAnswer
	if err := scoreSchema.Decode([]byte(raw), &answer); err != nil {
		return domain.JudgeScore{}, err
	}
	score := domain.JudgeScore{
		Accuracy:           answer.Accuracy,
		Relevance:          answer.Relevance,
		UrgencyCalibration: answer.UrgencyCalibration,
		Hallucination:      answer.Hallucination,
		Safety:             answer.Safety,
		Summary:            answer.Summary,
	}
	if answer.Overall != nil {
		score.Overall = *answer.Overall
	} else {
		mean := float64(answer.Accuracy.Score+answer.Relevance.Score+answer.UrgencyCalibration.Score) / 3
		score.Overall = int(math.Round(mean))
	}
	return score, nil
}

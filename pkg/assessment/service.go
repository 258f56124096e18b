package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/plantwatch/internal/governance"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/llm"
	"github.com/polisai/plantwatch/pkg/prompts"
	"github.com/polisai/plantwatch/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// FallbackMessage is shown when no valid assessment could be produced.
const FallbackMessage = "We could not produce an assessment for your plant right now. Please try again shortly."

// PromptVariantNormal is the only system prompt variant served.
const PromptVariantNormal = "normal"

// Options configures a Service.
type Options struct {
	Model       string
	Prompts     prompts.Provider
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Breaker     *governance.CircuitBreaker
	Logger      *slog.Logger
}

// Result is a validated assessment with its provenance.
type Result struct {
	Response      domain.AssessmentResponse
	Quality       domain.ResponseQuality
	Model         string
	PromptVariant string
	// Attempts is 2 when the stricter formatting retry was needed.
	Attempts int
}

// Service calls the main model and validates its answer, retrying once with
// stricter formatting instructions when the first answer is malformed.
type Service struct {
	client      llm.Client
	model       string
	prompts     prompts.Provider
	temperature float64
	maxTokens   int
	timeout     time.Duration
	breaker     *governance.CircuitBreaker
	logger      *slog.Logger
}

// NewService creates an assessment service backed by client.
func NewService(client llm.Client, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.EmbeddedProvider{}
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Service{
		client:      client,
		model:       opts.Model,
		prompts:     opts.Prompts,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		timeout:     opts.Timeout,
		breaker:     opts.Breaker,
		logger:      opts.Logger,
	}
}

// Assess produces a validated assessment for req using the sanitized owner
// message. A *domain.ValidationError is returned only after the retry also
// failed; callers show FallbackMessage for any error.
func (s *Service) Assess(ctx context.Context, req domain.AssessmentRequest, sanitized string) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "assessment.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("plant.type", req.PlantType),
		attribute.String("llm.model", s.model),
	)

	system, err := prompts.Text(ctx, s.prompts, prompts.AssessmentSystem)
	if err != nil {
		return Result{}, err
	}
	prompt, err := BuildPrompt(ctx, s.prompts, req, sanitized)
	if err != nil {
		return Result{}, err
	}

	result, err := s.attempt(ctx, system, prompt)
	result.Attempts = 1
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		s.logger.Warn("assessment output invalid, retrying with strict format",
			"request_id", req.RequestID,
			"error", verr,
		)
		strict, rerr := prompts.Render(ctx, s.prompts, prompts.AssessmentStrict, struct{ Problem string }{verr.Error()})
		if rerr != nil {
			return Result{}, rerr
		}
		result, err = s.attempt(ctx, system, prompt+"\n\n"+strict)
		result.Attempts = 2
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assessment failed")
		s.logger.Error("assessment failed",
			"request_id", req.RequestID,
			"error", err,
		)
		return Result{}, fmt.Errorf("assess %s: %w", req.RequestID, err)
	}

	span.SetAttributes(
		attribute.String("assessment.health_status", result.Response.HealthStatus.String()),
		attribute.Int("assessment.attempts", result.Attempts),
	)
	return result, nil
}

func (s *Service) attempt(ctx context.Context, system, prompt string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var resp llm.Response
	call := func(ctx context.Context) error {
		var callErr error
		resp, callErr = s.client.Generate(ctx, llm.Request{
			Model:       s.model,
			System:      system,
			Prompt:      prompt,
			Temperature: s.temperature,
			MaxTokens:   s.maxTokens,
			JSON:        true,
		})
		return callErr
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.ExecuteContext(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return Result{}, err
	}

	if resp.Truncated {
		return Result{}, &domain.ValidationError{Schema: responseSchema.Name(), Err: llm.ErrLengthLimit}
	}
	parsed, quality, err := ParseAssessment(resp.Text)
	if err != nil {
		return Result{}, err
	}
	model := resp.Model
	if model == "" {
		model = s.model
	}
	return Result{
		Response:      parsed,
		Quality:       quality,
		Model:         model,
		PromptVariant: PromptVariantNormal,
	}, nil
}

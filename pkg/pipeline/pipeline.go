// Package pipeline wires the user-facing request path (guardrail, main
// model, validation, sampling) and the evaluation sink behind the queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/plantwatch/pkg/assessment"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidRequest is returned for requests that cannot be assessed at all.
var ErrInvalidRequest = errors.New("invalid assessment request")

// Outcome is the user-visible result class of one request.
type Outcome string

// Request outcomes.
const (
	OutcomeAssessed Outcome = "assessed"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeFallback Outcome = "fallback"
)

// Guard screens raw user text.
type Guard interface {
	Check(ctx context.Context, raw domain.RawInput) domain.GuardrailDecision
}

// Assessor calls the main model and validates its output.
type Assessor interface {
	Assess(ctx context.Context, req domain.AssessmentRequest, sanitized string) (assessment.Result, error)
}

// Sampler decides whether a response is evaluated.
type Sampler interface {
	ShouldSample(ctx context.Context) bool
}

// Queue accepts evaluation records without blocking.
type Queue interface {
	Enqueue(ctx context.Context, rec domain.EvaluationRecord) bool
}

// Observer counts request outcomes.
type Observer interface {
	RecordAssessment(outcome string)
}

// Options wires a Pipeline. Sampler and Queue may be nil to disable
// evaluation.
type Options struct {
	Guard    Guard
	Assessor Assessor
	Sampler  Sampler
	Queue    Queue
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Result is what the caller shows the user.
type Result struct {
	RequestID  string                     `json:"request_id"`
	Outcome    Outcome                    `json:"outcome"`
	Assessment *domain.AssessmentResponse `json:"assessment,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Verdict    domain.Verdict             `json:"verdict"`
	Sampled    bool                       `json:"-"`
	Quality    domain.ResponseQuality     `json:"-"`
}

// Pipeline runs one request through guardrail, assessment and sampling. It
// holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	guard    Guard
	assessor Assessor
	sampler  Sampler
	queue    Queue
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Guard == nil || opts.Assessor == nil {
		return nil, fmt.Errorf("%w: pipeline requires a guard and an assessor", domain.ErrConfigInvalid)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		guard:    opts.Guard,
		assessor: opts.Assessor,
		sampler:  opts.Sampler,
		queue:    opts.Queue,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

// Handle runs req synchronously. Only ErrInvalidRequest is returned as an
// error; guardrail blocks and assessment failures are outcomes, and nothing
// in the evaluation path can fail the request.
func (p *Pipeline) Handle(ctx context.Context, req domain.AssessmentRequest) (Result, error) {
	if strings.TrimSpace(req.PlantType) == "" {
		return Result{}, fmt.Errorf("%w: plant_type is required", ErrInvalidRequest)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ContextID == "" {
		req.ContextID = req.PlantType
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.handle")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", req.RequestID))

	result := Result{RequestID: req.RequestID}

	// Requests without owner text carry nothing untrusted to screen.
	var sanitized string
	if strings.TrimSpace(req.Message) != "" {
		decision := p.guard.Check(ctx, domain.RawInput{ContextID: req.ContextID, Text: req.Message})
		result.Verdict = decision.Verdict.Verdict
		if decision.Blocked() {
			result.Outcome = OutcomeBlocked
			result.Message = decision.Explanation
			p.finish(ctx, span, req, result)
			return result, nil
		}
		sanitized = decision.Input.Text
	}
	req.Message = ""
	assessed, err := p.assessor.Assess(ctx, req, sanitized)
	if err != nil {
		result.Outcome = OutcomeFallback
		result.Message = assessment.FallbackMessage
		p.finish(ctx, span, req, result)
		return result, nil
	}

	result.Outcome = OutcomeAssessed
	result.Assessment = &assessed.Response
	result.Quality = assessed.Quality

	if p.sampler != nil && p.queue != nil && p.sampler.ShouldSample(ctx) {
		result.Sampled = true
		rec := domain.EvaluationRecord{
			RequestID:         req.RequestID,
			Timestamp:         p.now().UTC(),
			ContextID:         req.ContextID,
			PlantType:         req.PlantType,
			Metrics:           req.Metrics,
			Input:             sanitized,
			AdditionalContext: req.AdditionalContext,
			Response:          assessed.Response,
			Quality:           assessed.Quality,
			Model:             assessed.Model,
			PromptVariant:     assessed.PromptVariant,
		}
		if !p.queue.Enqueue(ctx, rec) {
			p.logger.Warn("evaluation record not queued", "request_id", req.RequestID)
		}
	}

	p.finish(ctx, span, req, result)
	return result, nil
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, req domain.AssessmentRequest, result Result) {
	span.SetAttributes(
		attribute.String("request.outcome", string(result.Outcome)),
		attribute.Bool("evaluation.sampled", result.Sampled),
	)
	if p.observer != nil {
		p.observer.RecordAssessment(string(result.Outcome))
	}
	p.logger.InfoContext(ctx, "assessment request handled",
		"request_id", req.RequestID,
		"plant_type", req.PlantType,
		"outcome", result.Outcome,
		"verdict", result.Verdict.String(),
		"sampled", result.Sampled,
	)
}

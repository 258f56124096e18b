// Package guardrail screens user text before it reaches the assessment
// model: PII is redacted, the sanitized text is classified, and the verdict
// becomes an admit or block decision.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of one guardrail invocation.
type State int

// Invocation states. StateDecided is terminal.
const (
	StateStart State = iota
	StateRedacting
	StateClassifying
	StateDecided
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateRedacting:
		return "redacting"
	case StateClassifying:
		return "classifying"
	case StateDecided:
		return "decided"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InputRedactor masks PII in raw text.
type InputRedactor interface {
	Redact(ctx context.Context, in domain.RawInput) (domain.RedactedInput, error)
}

// InputClassifier produces a verdict for sanitized text.
type InputClassifier interface {
	Classify(ctx context.Context, in domain.RedactedInput) domain.ClassificationVerdict
}

// Options configures a Coordinator.
type Options struct {
	// Redactor may be nil when PII redaction is disabled.
	Redactor   InputRedactor
	Classifier InputClassifier
	Policy     domain.FailurePolicy
	Logger     *slog.Logger
	// OnTransition observes every state change. Used by tests and tracing.
	OnTransition func(from, to State)
}

// Coordinator sequences redaction and classification for one request at a
// time. It holds no per-request state and is safe for concurrent use.
type Coordinator struct {
	redactor     InputRedactor
	classifier   InputClassifier
	policy       domain.FailurePolicy
	logger       *slog.Logger
	onTransition func(from, to State)
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		redactor:     opts.Redactor,
		classifier:   opts.Classifier,
		policy:       opts.Policy,
		logger:       opts.Logger,
		onTransition: opts.OnTransition,
	}
}

// Policy returns the configured failure policy.
func (c *Coordinator) Policy() domain.FailurePolicy { return c.policy }

// Check runs one invocation: start, redacting, classifying, decided. It is
// never retried; a blocked request has to be resubmitted by the caller.
func (c *Coordinator) Check(ctx context.Context, raw domain.RawInput) domain.GuardrailDecision {
	ctx, span := telemetry.Tracer().Start(ctx, "guardrail.check")
	defer span.End()

	inv := invocation{coordinator: c, state: StateStart}

	inv.advance(StateRedacting)
	redacted, err := c.redact(ctx, raw)
	if err != nil {
		// Only reachable under FailClosed.
		inv.advance(StateDecided)
		decision := domain.GuardrailDecision{
			Action:      domain.ActionBlock,
			Verdict:     domain.ClassificationVerdict{Verdict: domain.VerdictClassifierError, Rationale: err.Error()},
			Explanation: MessageUnavailable,
			Input:       domain.RedactedInput{ContextID: raw.ContextID},
		}
		c.record(ctx, span, decision)
		return decision
	}

	inv.advance(StateClassifying)
	verdict := c.classifier.Classify(ctx, redacted)

	inv.advance(StateDecided)
	action, explanation := DecisionFor(verdict.Verdict, c.policy)
	decision := domain.GuardrailDecision{
		Action:      action,
		Verdict:     verdict,
		Explanation: explanation,
		Input:       redacted,
		FailedOpen:  verdict.Verdict == domain.VerdictClassifierError && action == domain.ActionAdmit,
	}
	c.record(ctx, span, decision)
	return decision
}

func (c *Coordinator) redact(ctx context.Context, raw domain.RawInput) (domain.RedactedInput, error) {
	if c.redactor == nil {
		return domain.RedactedInput{ContextID: raw.ContextID, Text: raw.Text}, nil
	}
	return c.redactor.Redact(ctx, raw)
}

func (c *Coordinator) record(ctx context.Context, span trace.Span, d domain.GuardrailDecision) {
	categories := make([]string, 0, len(d.Input.Categories))
	for _, cat := range d.Input.Categories {
		categories = append(categories, string(cat))
		telemetry.RecordPIIDetection(ctx, string(cat))
	}
	telemetry.RecordGuardrailDecision(ctx, d.Verdict.Verdict.String(), string(d.Action), d.FailedOpen)

	span.SetAttributes(
		attribute.String("guardrail.verdict", d.Verdict.Verdict.String()),
		attribute.String("guardrail.action", string(d.Action)),
		attribute.Bool("guardrail.failed_open", d.FailedOpen),
		attribute.StringSlice("guardrail.pii_categories", categories),
	)
	if d.Blocked() {
		telemetry.RecordSecurityEvent(span, true, d.Verdict.Verdict.String(), d.Input.Spans)
	}

	level := slog.LevelInfo
	if d.Verdict.Verdict == domain.VerdictClassifierError {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "guardrail decision",
		"context_id", d.Input.ContextID,
		"verdict", d.Verdict.Verdict.String(),
		"action", d.Action,
		"failed_open", d.FailedOpen,
		"policy", c.policy.String(),
		"pii_categories", categories,
		"failed_detectors", d.Input.FailedDetectors,
	)
}

type invocation struct {
	coordinator *Coordinator
	state       State
}

// transitions lists the legal moves. redacting->decided only happens when
// redaction fails under FailClosed.
var transitions = map[State][]State{
	StateStart:       {StateRedacting},
	StateRedacting:   {StateClassifying, StateDecided},
	StateClassifying: {StateDecided},
}

func (i *invocation) advance(to State) {
	if !slices.Contains(transitions[i.state], to) {
		panic(fmt.Sprintf("guardrail: illegal transition %s -> %s", i.state, to))
	}
	if i.coordinator.onTransition != nil {
		i.coordinator.onTransition(i.state, to)
	}
	i.state = to
}

// Passthrough admits every request unchanged. It stands in for the
// Coordinator when guardrails are disabled.
type Passthrough struct{}

// Check admits raw as-is.
func (Passthrough) Check(_ context.Context, raw domain.RawInput) domain.GuardrailDecision {
	return domain.GuardrailDecision{
		Action:  domain.ActionAdmit,
		Verdict: domain.ClassificationVerdict{Verdict: domain.VerdictOnTopic, Rationale: "guardrails disabled"},
		Input:   domain.RedactedInput{ContextID: raw.ContextID, Text: raw.Text},
	}
}

package guardrail

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/polisai/plantwatch/internal/governance"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/llm"
	"github.com/polisai/plantwatch/pkg/prompts"
	"github.com/polisai/plantwatch/pkg/schema"
)

var classificationSchema = schema.MustCompile("classification", `{
  "type": "object",
  "required": ["classification"],
  "properties": {
    "allow": {"type": "boolean"},
    "classification": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  }
}`)

type classifierAnswer struct {
	Allow          *bool  `json:"allow"`
	Classification string `json:"classification"`
	Reason         string `json:"reason"`
}

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	Model   string
	Prompts prompts.Provider
	// Timeout bounds the single classification call.
	Timeout time.Duration
	// Breaker short-circuits calls while the classifier endpoint is failing.
	Breaker *governance.CircuitBreaker
	Logger  *slog.Logger
}

// Classifier frames sanitized user text as a topic/injection question for a
// text-classification model and parses its answer into a verdict.
type Classifier struct {
	client  llm.Client
	model   string
	prompts prompts.Provider
	timeout time.Duration
	breaker *governance.CircuitBreaker
	logger  *slog.Logger
}

// NewClassifier creates a classifier backed by client.
func NewClassifier(client llm.Client, opts ClassifierOptions) *Classifier {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.EmbeddedProvider{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Classifier{
		client:  client,
		model:   opts.Model,
		prompts: opts.Prompts,
		timeout: opts.Timeout,
		breaker: opts.Breaker,
		logger:  opts.Logger,
	}
}

// Classify makes exactly one classification call. Any failure to obtain a
// recognised verdict yields VerdictClassifierError with the reason in the
// rationale; no error escapes.
func (c *Classifier) Classify(ctx context.Context, in domain.RedactedInput) domain.ClassificationVerdict {
	verdict, err := c.classify(ctx, in)
	if err != nil {
		c.logger.Warn("input classifier failed",
			"context_id", in.ContextID,
			"error", err,
		)
		return domain.ClassificationVerdict{
			Verdict:   domain.VerdictClassifierError,
			Rationale: err.Error(),
		}
	}
	return verdict
}

func (c *Classifier) classify(ctx context.Context, in domain.RedactedInput) (domain.ClassificationVerdict, error) {
	system, err := prompts.Text(ctx, c.prompts, prompts.ClassifierSystem)
	if err != nil {
		return domain.ClassificationVerdict{}, &domain.ClassificationError{Reason: "prompt unavailable", Err: err}
	}
	prompt, err := prompts.Render(ctx, c.prompts, prompts.ClassifierTemplate, struct{ UserInput string }{in.Text})
	if err != nil {
		return domain.ClassificationVerdict{}, &domain.ClassificationError{Reason: "prompt unavailable", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp llm.Response
	call := func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.client.Generate(ctx, llm.Request{
			Model:       c.model,
			System:      system,
			Prompt:      prompt,
			Temperature: 0,
			MaxTokens:   200,
			JSON:        true,
		})
		return callErr
	}
	if c.breaker != nil {
		err = c.breaker.ExecuteContext(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		reason := "classifier call failed"
		if errors.Is(err, governance.ErrCircuitOpen) {
			reason = "classifier circuit open"
		}
		return domain.ClassificationVerdict{}, &domain.ClassificationError{Reason: reason, Err: err}
	}

	return ParseClassification(resp.Text)
}

// ParseClassification turns the classifier's raw answer into a verdict. The
// classification label is authoritative; allow is advisory.
func ParseClassification(text string) (domain.ClassificationVerdict, error) {
	if strings.TrimSpace(text) == "" {
		return domain.ClassificationVerdict{}, &domain.ClassificationError{Reason: "empty response"}
	}
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return domain.ClassificationVerdict{}, &domain.ClassificationError{Reason: "unparseable response", Err: err}
	}
	var answer classifierAnswer
	if err := classificationSchema.Decode([]byte(raw), &answer); err != nil {
		return domain.ClassificationVerdict{}, &domain.ClassificationError{Reason: "malformed response", Err: err}
	}
	verdict, ok := domain.ParseVerdict(answer.Classification)
	if !ok {
		return domain.ClassificationVerdict{}, &domain.ClassificationError{Reason: "unknown label " + answer.Classification}
	}
	return domain.ClassificationVerdict{Verdict: verdict, Rationale: answer.Reason}, nil
}

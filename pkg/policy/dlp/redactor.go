// Package dlp detects and masks personally identifiable information in user
// text before it reaches any model.
package dlp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/polisai/plantwatch/pkg/domain"
)

// Options configures a Redactor.
type Options struct {
	Detectors []Detector
	// Policy decides what a detector error does. FailOpen skips the detector;
	// FailClosed aborts redaction with a RedactionError.
	Policy domain.FailurePolicy
	Logger *slog.Logger
}

// Redactor replaces detected PII spans with category placeholders.
// It holds no mutable state and is safe for concurrent use.
type Redactor struct {
	detectors []Detector
	policy    domain.FailurePolicy
	logger    *slog.Logger
}

// NewRedactor builds a redactor. With no detectors it uses every rule in the
// default registry.
func NewRedactor(opts Options) (*Redactor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	detectors := opts.Detectors
	if len(detectors) == 0 {
		var err error
		detectors, err = DefaultRegistry().Detectors()
		if err != nil {
			return nil, err
		}
	}
	return &Redactor{detectors: detectors, policy: opts.Policy, logger: logger}, nil
}

// Redact masks every detected span of in.Text. Under FailOpen a failing
// detector is recorded in FailedDetectors and redaction continues with the
// rest; the returned error is always nil. Under FailClosed the first detector
// error is returned.
func (r *Redactor) Redact(ctx context.Context, in domain.RawInput) (domain.RedactedInput, error) {
	out := domain.RedactedInput{ContextID: in.ContextID, Text: in.Text}
	if in.Text == "" {
		return out, nil
	}

	var findings []Finding
	for _, d := range r.detectors {
		found, err := runDetector(ctx, d, in.Text)
		if err != nil {
			rerr := &domain.RedactionError{Detector: d.Name(), Err: err}
			if r.policy == domain.FailClosed {
				return domain.RedactedInput{ContextID: in.ContextID}, rerr
			}
			r.logger.Warn("pii detector failed, continuing without it",
				"detector", d.Name(),
				"context_id", in.ContextID,
				"error", err,
			)
			out.FailedDetectors = append(out.FailedDetectors, d.Name())
			continue
		}
		findings = append(findings, clampFindings(found, len(in.Text))...)
	}

	spans := MergeSpans(findings)
	out.Text = apply(in.Text, spans)
	out.Spans = len(spans)
	out.Categories = categories(spans)
	return out, nil
}

func runDetector(ctx context.Context, d Detector, text string) (found []Finding, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("detector panicked: %v", rec)
		}
	}()
	return d.Detect(ctx, text)
}

func clampFindings(found []Finding, n int) []Finding {
	kept := found[:0]
	for _, f := range found {
		if f.Start < 0 || f.End > n || f.End <= f.Start {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// MergeSpans orders findings by start, preferring the longer span on ties,
// and drops any finding that overlaps one already kept. Equal spans keep the
// first detector's finding.
func MergeSpans(findings []Finding) []Finding {
	if len(findings) == 0 {
		return nil
	}
	sorted := append([]Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Len() > sorted[j].Len()
	})

	merged := make([]Finding, 0, len(sorted))
	end := -1
	for _, f := range sorted {
		if f.Start < end {
			continue
		}
		merged = append(merged, f)
		end = f.End
	}
	return merged
}

func apply(text string, spans []Finding) string {
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.Start])
		b.WriteString(s.Category.Placeholder())
		last = s.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func categories(spans []Finding) []domain.PIICategory {
	if len(spans) == 0 {
		return nil
	}
	seen := make(map[domain.PIICategory]bool, len(spans))
	var out []domain.PIICategory
	for _, s := range spans {
		if !seen[s.Category] {
			seen[s.Category] = true
			out = append(out, s.Category)
		}
	}
	return out
}

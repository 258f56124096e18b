package dlp

import (
	"context"
	"errors"

	"github.com/polisai/plantwatch/pkg/domain"
)

// Rule declares a PII detection rule.
//
// A plain rule redacts every match of Pattern (or of capture group Group when
// it is set). A rule with Context phrases only fires when the entity pattern
// directly follows one of the phrases, and only the entity is redacted.
type Rule struct {
	Name     string
	Category domain.PIICategory
	Pattern  string
	Group    int
	Context  []string
}

// Finding is one detected span. The matched text is deliberately not kept.
type Finding struct {
	Detector string
	Category domain.PIICategory
	Start    int
	End      int
}

// Len returns the span length in bytes.
func (f Finding) Len() int { return f.End - f.Start }

// Detector finds PII spans in text. Local and managed detectors are
// interchangeable behind this contract.
type Detector interface {
	Name() string
	Detect(ctx context.Context, text string) ([]Finding, error)
}

var (
	errRuleName    = errors.New("dlp: rule name is required")
	errRulePattern = errors.New("dlp: rule pattern is required")
)

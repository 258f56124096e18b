package dlp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/plantwatch/pkg/domain"
)

// RegexDetector reports every match of a compiled pattern.
type RegexDetector struct {
	name     string
	category domain.PIICategory
	expr     *regexp.Regexp
	group    int
}

// NewRegexDetector compiles rule into a detector.
func NewRegexDetector(rule Rule) (*RegexDetector, error) {
	name := strings.TrimSpace(rule.Name)
	if name == "" {
		return nil, errRuleName
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return nil, fmt.Errorf("%w: %s", errRulePattern, name)
	}
	expr, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return nil, fmt.Errorf("dlp: invalid pattern for rule %s: %w", name, err)
	}
	if rule.Group < 0 || rule.Group > expr.NumSubexp() {
		return nil, fmt.Errorf("dlp: rule %s references group %d of %d", name, rule.Group, expr.NumSubexp())
	}
	category := rule.Category
	if category == "" {
		category = domain.PIICategory(name)
	}
	return &RegexDetector{name: name, category: category, expr: expr, group: rule.Group}, nil
}

// Name returns the rule name.
func (d *RegexDetector) Name() string { return d.name }

// Detect returns the spans matched by the rule.
func (d *RegexDetector) Detect(ctx context.Context, text string) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches := d.expr.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	findings := make([]Finding, 0, len(matches))
	for _, m := range matches {
		start, end := m[2*d.group], m[2*d.group+1]
		if start < 0 || end <= start {
			continue
		}
		findings = append(findings, Finding{
			Detector: d.name,
			Category: d.category,
			Start:    start,
			End:      end,
		})
	}
	return findings, nil
}

// ContextDetector is a probabilistic stand-in for named-entity recognition:
// it reports an entity only when a cue phrase such as "my name is" or
// "I live in" precedes it.
type ContextDetector struct {
	*RegexDetector
	cues []string
}

// NewContextDetector builds a detector for entity appearing right after any
// of cues. Cue matching ignores case; the entity pattern does not.
func NewContextDetector(rule Rule) (*ContextDetector, error) {
	if len(rule.Context) == 0 {
		return nil, fmt.Errorf("dlp: context rule %s has no cue phrases", rule.Name)
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return nil, fmt.Errorf("%w: %s", errRulePattern, rule.Name)
	}
	quoted := make([]string, 0, len(rule.Context))
	for _, cue := range rule.Context {
		words := strings.Fields(cue)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		quoted = append(quoted, strings.Join(words, `\s+`))
	}
	pattern := `(?i:\b(?:` + strings.Join(quoted, "|") + `))\s+(` + rule.Pattern + `)`

	inner, err := NewRegexDetector(Rule{
		Name:     rule.Name,
		Category: rule.Category,
		Pattern:  pattern,
		Group:    1,
	})
	if err != nil {
		return nil, err
	}
	return &ContextDetector{RegexDetector: inner, cues: rule.Context}, nil
}

// Compile turns a rule into the matching detector kind.
func (r Rule) Compile() (Detector, error) {
	if len(r.Context) > 0 {
		return NewContextDetector(r)
	}
	return NewRegexDetector(r)
}

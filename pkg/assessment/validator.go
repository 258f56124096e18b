// Package assessment produces plant health assessments from the main model
// and enforces their structured output contract.
package assessment

import (
	"strings"
	"unicode"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/llm"
	"github.com/polisai/plantwatch/pkg/schema"
)

var responseSchema = schema.MustCompile("assessment", `{
  "type": "object",
  "required": ["health_status", "confidence", "summary", "recommendations"],
  "properties": {
    "health_status": {
      "type": "string",
      "pattern": "^\\s*(?i:healthy|minor_issues|needs_attention|critical)\\s*$"
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "summary": {"type": "string", "pattern": "\\S"},
    "recommendations": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "pattern": "\\S"}
    }
  }
}`)

var actionVerbs = map[string]struct{}{
	"water": {}, "move": {}, "adjust": {}, "check": {}, "increase": {},
	"decrease": {}, "add": {}, "remove": {}, "monitor": {}, "rotate": {},
	"repot": {}, "fertilize": {}, "prune": {}, "mist": {}, "clean": {},
	"trim": {}, "continue": {}, "maintain": {}, "reduce": {}, "improve": {},
	"place": {}, "position": {},
}

// ParseAssessment extracts and validates the main model's answer. Structural
// problems return a *domain.ValidationError; the action-verb check only
// affects the returned quality signal.
func ParseAssessment(raw string) (domain.AssessmentResponse, domain.ResponseQuality, error) {
	doc, err := llm.ExtractJSON(raw)
	if err != nil {
		return domain.AssessmentResponse{}, domain.ResponseQuality{}, &domain.ValidationError{Schema: responseSchema.Name(), Err: err}
	}
	var resp domain.AssessmentResponse
	if err := responseSchema.Decode([]byte(doc), &resp); err != nil {
		return domain.AssessmentResponse{}, domain.ResponseQuality{}, err
	}
	resp.Summary = strings.TrimSpace(resp.Summary)
	for i, r := range resp.Recommendations {
		resp.Recommendations[i] = strings.TrimSpace(r)
	}
	return resp, Quality(resp.Recommendations), nil
}

// Quality reports which recommendations do not open with an action verb.
func Quality(recommendations []string) domain.ResponseQuality {
	var q domain.ResponseQuality
	for i, r := range recommendations {
		if !Actionable(r) {
			q.NonActionable = append(q.NonActionable, i)
		}
	}
	q.ActionableRecommendations = len(recommendations) > 0 && len(q.NonActionable) == 0
	return q
}

// Actionable reports whether a recommendation begins with a known care verb.
func Actionable(recommendation string) bool {
	fields := strings.Fields(recommendation)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimFunc(fields[0], func(r rune) bool {
		return !unicode.IsLetter(r)
	}))
	_, ok := actionVerbs[first]
	return ok
}

package domain

import (
	"fmt"
	"strings"
)

// Verdict is the closed set of outcomes the topic/injection classifier can
// produce.
type Verdict int

// Verdict values. VerdictClassifierError is a process-local failure, not a
// policy judgement.
const (
	VerdictOnTopic Verdict = iota
	VerdictOffTopic
	VerdictPromptInjection
	VerdictHarmful
	VerdictClassifierError
)

var verdictNames = [...]string{
	VerdictOnTopic:         "on_topic",
	VerdictOffTopic:        "off_topic",
	VerdictPromptInjection: "prompt_injection",
	VerdictHarmful:         "harmful",
	VerdictClassifierError: "classifier_error",
}

func (v Verdict) String() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return fmt.Sprintf("verdict(%d)", int(v))
	}
	return verdictNames[v]
}

// MarshalText encodes the verdict as its wire label.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText accepts any label ParseVerdict accepts.
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, ok := ParseVerdict(string(text))
	if !ok {
		return fmt.Errorf("unknown verdict %q", string(text))
	}
	*v = parsed
	return nil
}

// ParseVerdict maps a classifier label onto a Verdict. Only the four policy
// labels are accepted; classifier_error is never parsed from model output.
func ParseVerdict(label string) (Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "on_topic":
		return VerdictOnTopic, true
	case "off_topic":
		return VerdictOffTopic, true
	case "prompt_injection":
		return VerdictPromptInjection, true
	case "harmful":
		return VerdictHarmful, true
	default:
		return 0, false
	}
}

// ClassificationVerdict is the classifier's terminal answer for one request.
type ClassificationVerdict struct {
	Verdict   Verdict `json:"verdict"`
	Rationale string  `json:"rationale"`
}

// GuardrailAction is the externally visible admit/block outcome.
type GuardrailAction string

// Guardrail actions.
const (
	ActionAdmit GuardrailAction = "admit"
	ActionBlock GuardrailAction = "block"
)

// GuardrailDecision is the result of one guardrail invocation. Input holds
// the sanitized text; the raw text is never carried forward.
type GuardrailDecision struct {
	Action      GuardrailAction       `json:"action"`
	Verdict     ClassificationVerdict `json:"verdict"`
	Explanation string                `json:"explanation,omitempty"`
	Input       RedactedInput         `json:"-"`
	FailedOpen  bool                  `json:"failed_open,omitempty"`
}

// Blocked reports whether the request must not reach the main model.
func (d GuardrailDecision) Blocked() bool {
	return d.Action == ActionBlock
}

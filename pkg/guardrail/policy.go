package guardrail

import (
	"github.com/polisai/plantwatch/pkg/domain"
)

// Messages shown to users when a request is blocked.
const (
	MessageOffTopic = "I'm a plant health assistant and can only help with plant-related questions. " +
		"Your message appears to be about something else. " +
		"Try asking about your plant's health, watering needs, or care recommendations."
	MessagePromptInjection = "I detected an unusual pattern in your message. " +
		"Please ask a straightforward question about your plant's health."
	MessageHarmful = "I can't help with that request. " +
		"Please ask a question about caring for your plant safely."
	MessageUnavailable = "I wasn't able to process that request safely right now. " +
		"Please try again in a moment."
)

// DecisionFor maps a verdict to an action and user-facing explanation.
// classifier_error is resolved by policy: FailOpen admits, FailClosed blocks.
// Every Verdict value must have a case here; anything else blocks.
func DecisionFor(v domain.Verdict, policy domain.FailurePolicy) (domain.GuardrailAction, string) {
	switch v {
	case domain.VerdictOnTopic:
		return domain.ActionAdmit, ""
	case domain.VerdictOffTopic:
		return domain.ActionBlock, MessageOffTopic
	case domain.VerdictPromptInjection:
		return domain.ActionBlock, MessagePromptInjection
	case domain.VerdictHarmful:
		return domain.ActionBlock, MessageHarmful
	case domain.VerdictClassifierError:
		if policy == domain.FailClosed {
			return domain.ActionBlock, MessageUnavailable
		}
		return domain.ActionAdmit, ""
	default:
		return domain.ActionBlock, MessageUnavailable
	}
}

package domain

// PIICategory names a class of sensitive span the redactor can detect.
type PIICategory string

// Recognised PII categories.
const (
	PIIEmail       PIICategory = "email"
	PIIPhone       PIICategory = "phone"
	PIICard        PIICategory = "card"
	PIISSN         PIICategory = "ssn"
	PIIBankAccount PIICategory = "bank_account"
	PIIIPAddress   PIICategory = "ip_address"
	PIIPerson      PIICategory = "person"
	PIILocation    PIICategory = "location"
)

// Placeholder returns the fixed token that replaces a span of this category.
// Its length never depends on the replaced text.
func (c PIICategory) Placeholder() string {
	return "[REDACTED:" + string(c) + "]"
}

// RawInput is the untrusted text a user submitted, scoped to one session or
// plant context. It is never persisted or logged.
type RawInput struct {
	ContextID string
	Text      string
}

// RedactedInput is RawInput with every detected PII span replaced by its
// category placeholder.
type RedactedInput struct {
	ContextID  string
	Text       string
	Categories []PIICategory
	Spans      int
	// FailedDetectors names detectors that errored and were skipped.
	FailedDetectors []string
}

// PIIDetected reports whether any span was replaced.
func (r RedactedInput) PIIDetected() bool {
	return r.Spans > 0
}

package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors of the safety and evaluation pipeline.
var (
	ErrRedaction        = errors.New("pii redaction failed")
	ErrClassification   = errors.New("input classification failed")
	ErrValidation       = errors.New("assessment response failed validation")
	ErrDelivery         = errors.New("evaluation delivery failed")
	ErrScoring          = errors.New("judge response could not be scored")
	ErrInsufficientData = errors.New("insufficient data")
	ErrNotFound         = errors.New("not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// RedactionError reports a detector that failed on one input. The redactor
// recovers from it locally.
type RedactionError struct {
	Detector string
	Err      error
}

func (e *RedactionError) Error() string {
	return fmt.Sprintf("redaction detector %s: %v", e.Detector, e.Err)
}

func (e *RedactionError) Unwrap() []error { return []error{ErrRedaction, e.Err} }

// ClassificationError reports why the classifier could not produce a policy
// verdict.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification: %s: %v", e.Reason, e.Err)
	}
	return "classification: " + e.Reason
}

func (e *ClassificationError) Unwrap() []error { return []error{ErrClassification, e.Err} }

// FieldError describes one structural problem in model output.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// ValidationError is returned when model output does not satisfy its
// structured contract.
type ValidationError struct {
	Schema string
	Fields []FieldError
	Err    error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	msg := fmt.Sprintf("%s output invalid", e.Schema)
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// DeliveryError reports a failed delivery attempt of an evaluation record.
type DeliveryError struct {
	RequestID string
	Attempt   int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s (attempt %d): %v", e.RequestID, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

// ScoringError reports judge output that could not be parsed into a score.
// Records that hit it are stored unscored and never retried.
type ScoringError struct {
	RequestID string
	Err       error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("score %s: %v", e.RequestID, e.Err)
}

func (e *ScoringError) Unwrap() []error { return []error{ErrScoring, e.Err} }

// InsufficientDataError is the aggregator's status for a batch with no
// scorable records.
type InsufficientDataError struct {
	Unscored int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: 0 scored records (%d unscored)", e.Unscored)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// ErrorResponse defines the standard JSON error model returned by the HTTP API.
// It avoids exposing internal details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

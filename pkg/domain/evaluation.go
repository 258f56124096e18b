package domain

import "time"

// DimensionScore is a 1-5 rubric score with the judge's reasoning.
type DimensionScore struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// HallucinationCheck records whether the judge found untraceable claims.
type HallucinationCheck struct {
	Detected bool   `json:"detected"`
	Evidence string `json:"evidence"`
}

// SafetyCheck records whether every recommendation is safe to follow.
type SafetyCheck struct {
	Passed   bool   `json:"passed"`
	Concerns string `json:"concerns"`
}

// JudgeScore is the immutable result of scoring one response.
type JudgeScore struct {
	Accuracy           DimensionScore     `json:"accuracy"`
	Relevance          DimensionScore     `json:"relevance"`
	UrgencyCalibration DimensionScore     `json:"urgency_calibration"`
	Hallucination      HallucinationCheck `json:"hallucination"`
	Safety             SafetyCheck        `json:"safety"`
	Overall            int                `json:"overall_score"`
	Summary            string             `json:"summary"`
	JudgeModel         string             `json:"judge_model,omitempty"`
}

// EvaluationRecord is a sampled request travelling through the evaluation
// path. It is keyed by RequestID everywhere it is stored.
type EvaluationRecord struct {
	RequestID         string             `json:"request_id"`
	Timestamp         time.Time          `json:"timestamp"`
	ContextID         string             `json:"context_id"`
	PlantType         string             `json:"plant_type"`
	Metrics           SensorMetrics      `json:"metrics"`
	Input             string             `json:"input,omitempty"`
	AdditionalContext string             `json:"additional_context,omitempty"`
	Response          AssessmentResponse `json:"response"`
	Quality           ResponseQuality    `json:"quality"`
	Model             string             `json:"model,omitempty"`
	PromptVariant     string             `json:"prompt_variant,omitempty"`
	Score             *JudgeScore        `json:"score,omitempty"`
	Unscored          bool               `json:"unscored,omitempty"`
	UnscoredReason    string             `json:"unscored_reason,omitempty"`
	Attempts          int                `json:"attempts"`
}

// Scored reports whether the record carries a usable judge score.
func (r EvaluationRecord) Scored() bool {
	return r.Score != nil && !r.Unscored
}

// DeadLetter is a record that exhausted delivery and awaits manual
// reconciliation.
type DeadLetter struct {
	Record    EvaluationRecord `json:"record"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error"`
	DeadAt    time.Time        `json:"dead_at"`
}

package domain

import "time"

// MetricsSnapshot aggregates a batch of judge scores. Each aggregation run
// produces a new snapshot.
type MetricsSnapshot struct {
	GeneratedAt       time.Time    `json:"generated_at"`
	Scored            int          `json:"n_scored"`
	Unscored          int          `json:"n_unscored"`
	MeanAccuracy      float64      `json:"avg_accuracy"`
	MeanRelevance     float64      `json:"avg_relevance"`
	MeanUrgency       float64      `json:"avg_urgency"`
	HallucinationRate float64      `json:"hallucination_rate"`
	SafetyPassRate    float64      `json:"safety_pass_rate"`
	MeanOverall       float64      `json:"avg_overall"`
	ActionableRate    *float64     `json:"actionable_rate,omitempty"`
	Gates             []GateResult `json:"gates,omitempty"`
	Passed            bool         `json:"all_gates_passed"`
}

// GateResult is the verdict of one quality gate against a snapshot.
type GateResult struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
	MetTarget bool    `json:"met_target"`
}

package metrics

import (
	"github.com/polisai/plantwatch/pkg/domain"
)

// Delta compares one metric between a baseline and the current snapshot.
// Improved accounts for direction: lower is better for hallucination rate.
type Delta struct {
	Metric   string  `json:"metric"`
	Baseline float64 `json:"baseline"`
	Current  float64 `json:"current"`
	Change   float64 `json:"change"`
	Improved bool    `json:"improved"`
}

// CompareBaseline returns per-metric deltas of current against baseline,
// both rounded to report precision.
func CompareBaseline(baseline, current domain.MetricsSnapshot) []Delta {
	b, c := Rounded(baseline), Rounded(current)
	rows := []struct {
		name          string
		base, cur     float64
		lowerIsBetter bool
		places        int32
	}{
		{"avg_accuracy", b.MeanAccuracy, c.MeanAccuracy, false, 2},
		{"avg_relevance", b.MeanRelevance, c.MeanRelevance, false, 2},
		{"avg_urgency", b.MeanUrgency, c.MeanUrgency, false, 2},
		{"avg_overall", b.MeanOverall, c.MeanOverall, false, 2},
		{"hallucination_rate", b.HallucinationRate, c.HallucinationRate, true, 3},
		{"safety_pass_rate", b.SafetyPassRate, c.SafetyPassRate, false, 3},
	}
	deltas := make([]Delta, 0, len(rows))
	for _, row := range rows {
		change := round(row.cur-row.base, row.places)
		improved := change > 0
		if row.lowerIsBetter {
			improved = change < 0
		}
		deltas = append(deltas, Delta{
			Metric:   row.name,
			Baseline: row.base,
			Current:  row.cur,
			Change:   change,
			Improved: improved,
		})
	}
	return deltas
}

// Regressions returns the deltas that moved in the wrong direction.
func Regressions(deltas []Delta) []Delta {
	var out []Delta
	for _, d := range deltas {
		if d.Change != 0 && !d.Improved {
			out = append(out, d)
		}
	}
	return out
}

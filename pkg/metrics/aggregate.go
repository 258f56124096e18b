// Package metrics reduces judge scores into snapshots and evaluates them
// against quality gates.
package metrics

import (
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/shopspring/decimal"
)

// Aggregate computes means and rates over scores. An empty batch returns
// *domain.InsufficientDataError instead of a snapshot.
func Aggregate(scores []domain.JudgeScore) (domain.MetricsSnapshot, error) {
	n := len(scores)
	if n == 0 {
		return domain.MetricsSnapshot{}, &domain.InsufficientDataError{}
	}

	var accuracy, relevance, urgency, overall, hallucinations, safe int
	for _, s := range scores {
		accuracy += s.Accuracy.Score
		relevance += s.Relevance.Score
		urgency += s.UrgencyCalibration.Score
		overall += s.Overall
		if s.Hallucination.Detected {
			hallucinations++
		}
		if s.Safety.Passed {
			safe++
		}
	}

	total := float64(n)
	return domain.MetricsSnapshot{
		GeneratedAt:       time.Now().UTC(),
		Scored:            n,
		MeanAccuracy:      float64(accuracy) / total,
		MeanRelevance:     float64(relevance) / total,
		MeanUrgency:       float64(urgency) / total,
		MeanOverall:       float64(overall) / total,
		HallucinationRate: float64(hallucinations) / total,
		SafetyPassRate:    float64(safe) / total,
	}, nil
}

// AggregateRecords aggregates the scored records of a batch. Unscored
// records are counted but excluded from every statistic. The actionable
// rate is the share of scored records whose recommendations all open with an
// action verb.
func AggregateRecords(records []domain.EvaluationRecord) (domain.MetricsSnapshot, error) {
	scores := make([]domain.JudgeScore, 0, len(records))
	unscored, actionable := 0, 0
	for _, rec := range records {
		if !rec.Scored() {
			unscored++
			continue
		}
		scores = append(scores, *rec.Score)
		if rec.Quality.ActionableRecommendations {
			actionable++
		}
	}

	snapshot, err := Aggregate(scores)
	if err != nil {
		return domain.MetricsSnapshot{}, &domain.InsufficientDataError{Unscored: unscored}
	}
	snapshot.Unscored = unscored
	rate := float64(actionable) / float64(len(scores))
	snapshot.ActionableRate = &rate
	return snapshot, nil
}

// Rounded returns a copy with means at two decimal places and rates at
// three, the precision reports and gates use.
func Rounded(s domain.MetricsSnapshot) domain.MetricsSnapshot {
	s.MeanAccuracy = round(s.MeanAccuracy, 2)
	s.MeanRelevance = round(s.MeanRelevance, 2)
	s.MeanUrgency = round(s.MeanUrgency, 2)
	s.MeanOverall = round(s.MeanOverall, 2)
	s.HallucinationRate = round(s.HallucinationRate, 3)
	s.SafetyPassRate = round(s.SafetyPassRate, 3)
	if s.ActionableRate != nil {
		rate := round(*s.ActionableRate, 3)
		s.ActionableRate = &rate
	}
	return s
}

func round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

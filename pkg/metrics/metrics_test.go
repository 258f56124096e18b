package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func score(accuracy, relevance, urgency, overall int, hallucination, safe bool) domain.JudgeScore {
	return domain.JudgeScore{
		Accuracy:           domain.DimensionScore{Score: accuracy},
		Relevance:          domain.DimensionScore{Score: relevance},
		UrgencyCalibration: domain.DimensionScore{Score: urgency},
		Hallucination:      domain.HallucinationCheck{Detected: hallucination},
		Safety:             domain.SafetyCheck{Passed: safe},
		Overall:            overall,
	}
}

func TestAggregate(t *testing.T) {
	snap, err := Aggregate([]domain.JudgeScore{
		score(5, 4, 4, 5, false, true),
		score(4, 4, 3, 4, true, true),
		score(3, 5, 5, 4, false, true),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Scored)
	assert.InDelta(t, 4.0, snap.MeanAccuracy, 1e-9)
	assert.InDelta(t, 1.0/3.0, snap.HallucinationRate, 1e-9)
	assert.InDelta(t, 1.0, snap.SafetyPassRate, 1e-9)
	assert.InDelta(t, 13.0/3.0, snap.MeanOverall, 1e-9)

	rounded := Rounded(snap)
	assert.InDelta(t, 0.333, rounded.HallucinationRate, 1e-12)
	assert.InDelta(t, 4.33, rounded.MeanOverall, 1e-12)
}

func TestAggregate_EmptyBatch(t *testing.T) {
	_, err := Aggregate(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}

func TestAggregateRecords_ExcludesUnscored(t *testing.T) {
	good := score(4, 4, 4, 4, false, true)
	records := []domain.EvaluationRecord{
		{RequestID: "a", Score: &good, Quality: domain.ResponseQuality{ActionableRecommendations: true}},
		{RequestID: "b", Score: &good},
		{RequestID: "c", Unscored: true, UnscoredReason: "unparseable"},
	}
	snap, err := AggregateRecords(records)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Scored)
	assert.Equal(t, 1, snap.Unscored)
	require.NotNil(t, snap.ActionableRate)
	assert.InDelta(t, 0.5, *snap.ActionableRate, 1e-9)

	_, err = AggregateRecords(records[2:])
	var insufficient *domain.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 1, insufficient.Unscored)
}

func TestAggregate_BoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "n")
		scores := make([]domain.JudgeScore, n)
		hallucinations := 0
		for i := range scores {
			h := rapid.Bool().Draw(t, "hallucination")
			if h {
				hallucinations++
			}
			scores[i] = score(
				rapid.IntRange(1, 5).Draw(t, "accuracy"),
				rapid.IntRange(1, 5).Draw(t, "relevance"),
				rapid.IntRange(1, 5).Draw(t, "urgency"),
				rapid.IntRange(1, 5).Draw(t, "overall"),
				h,
				rapid.Bool().Draw(t, "safe"),
			)
		}
		snap, err := Aggregate(scores)
		require.NoError(t, err)
		for _, mean := range []float64{snap.MeanAccuracy, snap.MeanRelevance, snap.MeanUrgency, snap.MeanOverall} {
			assert.GreaterOrEqual(t, mean, 1.0)
			assert.LessOrEqual(t, mean, 5.0)
		}
		assert.InDelta(t, float64(hallucinations)/float64(n), snap.HallucinationRate, 1e-12)
		assert.GreaterOrEqual(t, snap.SafetyPassRate, 0.0)
		assert.LessOrEqual(t, snap.SafetyPassRate, 1.0)

		// Order independence.
		reversed := make([]domain.JudgeScore, n)
		for i, s := range scores {
			reversed[n-1-i] = s
		}
		again, err := Aggregate(reversed)
		require.NoError(t, err)
		assert.InDelta(t, snap.MeanAccuracy, again.MeanAccuracy, 1e-12)
	})
}

func TestGates_Evaluate(t *testing.T) {
	snap := domain.MetricsSnapshot{
		Scored:            10,
		MeanAccuracy:      4.2,
		MeanRelevance:     3.6,
		HallucinationRate: 0.1,
		SafetyPassRate:    1.0,
		MeanOverall:       3.9,
	}
	report := DefaultGates().Evaluate(snap)
	require.Len(t, report.Results, 5)
	assert.True(t, report.Passed)

	byName := map[string]domain.GateResult{}
	for _, r := range report.Results {
		byName[r.Name] = r
	}
	assert.True(t, byName[GateMinAccuracy].MetTarget)
	assert.False(t, byName[GateMinRelevance].MetTarget)
	assert.True(t, byName[GateMaxHallucinationRate].Passed)
	assert.False(t, byName[GateMaxHallucinationRate].MetTarget)

	snap.SafetyPassRate = 0.9
	report = DefaultGates().Evaluate(snap)
	assert.False(t, report.Passed)

	applied := report.Apply(snap)
	assert.False(t, applied.Passed)
	assert.Len(t, applied.Gates, 5)
}

func TestGates_MeansRoundedRatesExact(t *testing.T) {
	// 3.496 rounds to 3.50 and passes min 3.5.
	report := DefaultGates().Evaluate(domain.MetricsSnapshot{
		MeanAccuracy: 3.496, MeanRelevance: 4, MeanOverall: 4,
		HallucinationRate: 0, SafetyPassRate: 1,
	})
	assert.True(t, report.Passed)

	// One unsafe answer in 2000 is 0.9995, which rounds to 1.000 but must fail.
	scores := make([]domain.JudgeScore, 2000)
	for i := range scores {
		scores[i] = score(5, 5, 5, 5, false, i != 0)
	}
	snap, err := Aggregate(scores)
	require.NoError(t, err)
	report = DefaultGates().Evaluate(snap)
	assert.False(t, report.Passed)
	for _, r := range report.Results {
		if r.Name == GateMinSafetyPassRate {
			assert.False(t, r.Passed)
			assert.Equal(t, 1.0, r.Value)
		}
	}

	// Likewise a hallucination rate just above the limit fails.
	report = DefaultGates().Evaluate(domain.MetricsSnapshot{
		MeanAccuracy: 4, MeanRelevance: 4, MeanOverall: 4,
		HallucinationRate: 0.1004, SafetyPassRate: 1,
	})
	assert.False(t, report.Passed)
}

func TestSnapshot(t *testing.T) {
	s := score(5, 5, 5, 5, false, true)
	snap, err := Snapshot([]domain.EvaluationRecord{{RequestID: "a", Score: &s}}, DefaultGates())
	require.NoError(t, err)
	assert.True(t, snap.Passed)
	assert.Len(t, snap.Gates, 5)

	_, err = Snapshot(nil, DefaultGates())
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}

func TestCompareBaseline(t *testing.T) {
	baseline := domain.MetricsSnapshot{MeanAccuracy: 4.0, HallucinationRate: 0.05, SafetyPassRate: 1}
	current := domain.MetricsSnapshot{MeanAccuracy: 4.25, HallucinationRate: 0.1, SafetyPassRate: 1}

	deltas := CompareBaseline(baseline, current)
	byMetric := map[string]Delta{}
	for _, d := range deltas {
		byMetric[d.Metric] = d
	}
	assert.InDelta(t, 0.25, byMetric["avg_accuracy"].Change, 1e-12)
	assert.True(t, byMetric["avg_accuracy"].Improved)
	assert.InDelta(t, 0.05, byMetric["hallucination_rate"].Change, 1e-12)
	assert.False(t, byMetric["hallucination_rate"].Improved)

	regressions := Regressions(deltas)
	require.Len(t, regressions, 1)
	assert.Equal(t, "hallucination_rate", regressions[0].Metric)
}

const gatePolicy = `package plantwatch.gates

default allow := false

violations contains msg if {
	input.n_scored < 5
	msg := sprintf("only %d scored records", [input.n_scored])
}

violations contains "hallucination rate above 5%" if {
	input.hallucination_rate > 0.05
}

allow if count(violations) == 0

decision := {"allow": allow, "violations": violations}
`

func TestRegoGate(t *testing.T) {
	ctx := context.Background()
	gate, err := NewRegoGate(ctx, RegoGateOptions{Modules: map[string]string{"gates.rego": gatePolicy}})
	require.NoError(t, err)

	decision, err := gate.Evaluate(ctx, domain.MetricsSnapshot{Scored: 20, HallucinationRate: 0.01})
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Empty(t, decision.Violations)

	decision, err = gate.Evaluate(ctx, domain.MetricsSnapshot{Scored: 2, HallucinationRate: 0.5})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, []string{"hallucination rate above 5%", "only 2 scored records"}, decision.Violations)

	report := GateReport{Passed: true}.WithPolicy(decision)
	assert.False(t, report.Passed)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "policy", report.Results[0].Name)
}

func TestLoadRegoGate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gates.rego"), []byte(gatePolicy), 0o600))

	gate, err := LoadRegoGate(context.Background(), dir, "")
	require.NoError(t, err)
	decision, err := gate.Evaluate(context.Background(), domain.MetricsSnapshot{Scored: 9})
	require.NoError(t, err)
	assert.True(t, decision.Allow)

	_, err = NewRegoGate(context.Background(), RegoGateOptions{Modules: map[string]string{"bad.rego": "package x\nallow if {"}})
	require.Error(t, err)
}

func TestLoadRegoGate_ReleasePolicy(t *testing.T) {
	ctx := context.Background()
	gate, err := LoadRegoGate(ctx, filepath.Join("..", "..", "policies", "release.rego"), "")
	require.NoError(t, err)

	decision, err := gate.Evaluate(ctx, domain.MetricsSnapshot{
		Scored: 25,
		Gates:  []domain.GateResult{{Name: "safety_pass_rate", Value: 1, Threshold: 1, Passed: true, MetTarget: true}},
	})
	require.NoError(t, err)
	assert.True(t, decision.Allow)

	decision, err = gate.Evaluate(ctx, domain.MetricsSnapshot{
		Scored:            3,
		HallucinationRate: 0.2,
		Gates:             []domain.GateResult{{Name: "safety_pass_rate", Value: 0.9, Threshold: 1}},
	})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.ElementsMatch(t, []string{
		"need at least 20 scored records, have 3",
		"no hallucinations allowed in a release candidate",
		"safety pass rate below target",
	}, decision.Violations)
}

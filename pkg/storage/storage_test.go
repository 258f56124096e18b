package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, offset time.Duration, score *domain.JudgeScore) domain.EvaluationRecord {
	return domain.EvaluationRecord{
		RequestID: id,
		Timestamp: base.Add(offset),
		ContextID: "ctx-" + id,
		PlantType: "Monstera",
		Response: domain.AssessmentResponse{
			HealthStatus:    domain.HealthNeedsAttention,
			Confidence:      0.8,
			Summary:         "Soil is dry.",
			Recommendations: []string{"Water thoroughly"},
		},
		Quality:  domain.ResponseQuality{ActionableRecommendations: true},
		Model:    "plant-model",
		Score:    score,
		Attempts: 1,
	}
}

func judgeScore(accuracy int, hallucination bool) *domain.JudgeScore {
	return &domain.JudgeScore{
		Accuracy:           domain.DimensionScore{Score: accuracy, Reasoning: "fine"},
		Relevance:          domain.DimensionScore{Score: 4},
		UrgencyCalibration: domain.DimensionScore{Score: 4},
		Hallucination:      domain.HallucinationCheck{Detected: hallucination},
		Safety:             domain.SafetyCheck{Passed: true},
		Overall:            4,
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "plantwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record("req-1", 0, judgeScore(4, false))

			require.NoError(t, store.Upsert(ctx, rec))
			require.NoError(t, store.Upsert(ctx, rec))

			all, err := store.List(ctx, ListFilter{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "req-1", all[0].RequestID)

			rec.Attempts = 3
			require.NoError(t, store.Upsert(ctx, rec))
			got, err := store.Get(ctx, "req-1")
			require.NoError(t, err)
			assert.Equal(t, 3, got.Attempts)
			assert.Equal(t, domain.HealthNeedsAttention, got.Response.HealthStatus)
			require.NotNil(t, got.Score)
			assert.Equal(t, 4, got.Score.Accuracy.Score)
			assert.True(t, got.Timestamp.Equal(base))
		})
	}
}

func TestStore_ConcurrentRedelivery(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rec := record(fmt.Sprintf("req-%d", i%2), 0, judgeScore(5, false))
					assert.NoError(t, store.Upsert(ctx, rec))
				}()
			}
			wg.Wait()

			all, err := store.List(ctx, ListFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "nope")
			assert.True(t, errors.Is(err, domain.ErrNotFound))
		})
	}
}

func TestStore_ListFilterAndScores(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unscored := record("req-c", 2*time.Minute, nil)
			unscored.Unscored = true
			unscored.UnscoredReason = "judge output unparseable"

			require.NoError(t, store.Upsert(ctx, record("req-b", time.Minute, judgeScore(3, true))))
			require.NoError(t, store.Upsert(ctx, record("req-a", 0, judgeScore(5, false))))
			require.NoError(t, store.Upsert(ctx, unscored))
			fern := record("req-d", 3*time.Minute, judgeScore(2, false))
			fern.PlantType = "Fern"
			require.NoError(t, store.Upsert(ctx, fern))

			all, err := store.List(ctx, ListFilter{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, []string{"req-a", "req-b", "req-c", "req-d"},
				[]string{all[0].RequestID, all[1].RequestID, all[2].RequestID, all[3].RequestID})
			assert.True(t, all[2].Unscored)
			assert.Equal(t, "judge output unparseable", all[2].UnscoredReason)

			recent, err := store.List(ctx, ListFilter{Since: base.Add(time.Minute), PlantType: "Monstera"})
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "req-b", recent[0].RequestID)

			limited, err := store.List(ctx, ListFilter{Limit: 1})
			require.NoError(t, err)
			require.Len(t, limited, 1)

			scores, err := store.Scores(ctx, ListFilter{PlantType: "Monstera"})
			require.NoError(t, err)
			require.Len(t, scores, 2)
			assert.Equal(t, 5, scores[0].Accuracy.Score)
			assert.True(t, scores[1].Hallucination.Detected)
		})
	}
}

func TestStore_DeadLetters(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dl := domain.DeadLetter{
				Record:    record("req-9", 0, nil),
				Attempts:  5,
				LastError: "deliver req-9 (attempt 5): timeout",
				DeadAt:    base.Add(time.Hour),
			}
			require.NoError(t, store.AddDeadLetter(ctx, dl))
			require.NoError(t, store.AddDeadLetter(ctx, dl))

			list, err := store.ListDeadLetters(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, 5, list[0].Attempts)
			assert.True(t, list[0].DeadAt.Equal(dl.DeadAt))

			got, err := store.GetDeadLetter(ctx, "req-9")
			require.NoError(t, err)
			assert.Equal(t, dl.LastError, got.LastError)

			_, err = store.Get(ctx, "req-9")
			assert.True(t, errors.Is(err, domain.ErrNotFound), "dead letters stay out of the metrics store")

			require.NoError(t, store.RemoveDeadLetter(ctx, "req-9"))
			require.NoError(t, store.RemoveDeadLetter(ctx, "req-9"))
			_, err = store.GetDeadLetter(ctx, "req-9")
			assert.True(t, errors.Is(err, domain.ErrNotFound))
		})
	}
}

func TestStore_Baseline(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Baseline(ctx, "main")
			assert.True(t, errors.Is(err, domain.ErrNotFound))

			snap := domain.MetricsSnapshot{Scored: 10, MeanAccuracy: 4.2, HallucinationRate: 0.1, Passed: true}
			require.NoError(t, store.SaveBaseline(ctx, "main", snap))
			got, err := store.Baseline(ctx, "main")
			require.NoError(t, err)
			assert.Equal(t, 10, got.Scored)
			assert.InDelta(t, 4.2, got.MeanAccuracy, 1e-9)
			assert.True(t, got.Passed)
		})
	}
}

// Package storage persists evaluation records, dead letters and metric
// baselines. Every write is keyed on the request id so redelivered records
// never produce duplicates.
package storage

import (
	"context"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Since     time.Time
	PlantType string
	Limit     int
}

func (f ListFilter) match(rec domain.EvaluationRecord) bool {
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if f.PlantType != "" && rec.PlantType != f.PlantType {
		return false
	}
	return true
}

// Store is the metrics store and dead-letter set shared by evaluation
// workers.
type Store interface {
	// Upsert writes rec, replacing any record with the same request id.
	Upsert(ctx context.Context, rec domain.EvaluationRecord) error
	// Get returns domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, requestID string) (domain.EvaluationRecord, error)
	// List returns records oldest first.
	List(ctx context.Context, filter ListFilter) ([]domain.EvaluationRecord, error)
	// Scores returns the judge scores of scored records matching filter.
	Scores(ctx context.Context, filter ListFilter) ([]domain.JudgeScore, error)

	AddDeadLetter(ctx context.Context, dl domain.DeadLetter) error
	GetDeadLetter(ctx context.Context, requestID string) (domain.DeadLetter, error)
	ListDeadLetters(ctx context.Context) ([]domain.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, requestID string) error

	SaveBaseline(ctx context.Context, name string, snapshot domain.MetricsSnapshot) error
	Baseline(ctx context.Context, name string) (domain.MetricsSnapshot, error)

	Close() error
}

func scoresOf(records []domain.EvaluationRecord) []domain.JudgeScore {
	scores := make([]domain.JudgeScore, 0, len(records))
	for _, rec := range records {
		if rec.Scored() {
			scores = append(scores, *rec.Score)
		}
	}
	return scores
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/storage"
)

// UnscoredJudgeDisabled marks records stored while no judge is configured.
const UnscoredJudgeDisabled = "judge not configured"

// Scorer grades one record.
type Scorer interface {
	Score(ctx context.Context, rec domain.EvaluationRecord) (domain.JudgeScore, error)
}

// ScoreObserver counts judge outcomes.
type ScoreObserver interface {
	RecordScore(outcome string)
}

// EvaluationSink is the queue's downstream: it scores a record and upserts
// it into the metrics store. It implements queue.Transport.
type EvaluationSink struct {
	scorer   Scorer
	store    storage.Store
	observer ScoreObserver
	logger   *slog.Logger
}

// NewEvaluationSink creates a sink. A nil scorer stores records unscored.
func NewEvaluationSink(scorer Scorer, store storage.Store, observer ScoreObserver, logger *slog.Logger) *EvaluationSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvaluationSink{scorer: scorer, store: store, observer: observer, logger: logger}
}

// Deliver implements queue.Transport.
func (s *EvaluationSink) Deliver(ctx context.Context, rec domain.EvaluationRecord) error {
	return s.Process(ctx, rec)
}

// Process scores rec and stores it. A judge call failure is returned so the
// queue retries; unparseable judge output is stored unscored and reported as
// success so it is never retried.
func (s *EvaluationSink) Process(ctx context.Context, rec domain.EvaluationRecord) error {
	rec.Score = nil
	rec.Unscored = false
	rec.UnscoredReason = ""

	if s.scorer == nil {
		rec.Unscored = true
		rec.UnscoredReason = UnscoredJudgeDisabled
		return s.upsert(ctx, rec)
	}

	score, err := s.scorer.Score(ctx, rec)
	var serr *domain.ScoringError
	switch {
	case err == nil:
		rec.Score = &score
		s.observe("scored")
	case errors.As(err, &serr):
		rec.Unscored = true
		rec.UnscoredReason = serr.Error()
		s.observe("unscored")
		s.logger.Warn("evaluation stored unscored", "request_id", rec.RequestID, "error", err)
	default:
		s.observe("failed")
		return fmt.Errorf("score %s: %w", rec.RequestID, err)
	}
	return s.upsert(ctx, rec)
}

func (s *EvaluationSink) upsert(ctx context.Context, rec domain.EvaluationRecord) error {
	if err := s.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("store %s: %w", rec.RequestID, err)
	}
	return nil
}

func (s *EvaluationSink) observe(outcome string) {
	if s.observer != nil {
		s.observer.RecordScore(outcome)
	}
}

package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/polisai/plantwatch/pkg/domain"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]domain.EvaluationRecord
	deadLetters map[string]domain.DeadLetter
	baselines   map[string]domain.MetricsSnapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]domain.EvaluationRecord),
		deadLetters: make(map[string]domain.DeadLetter),
		baselines:   make(map[string]domain.MetricsSnapshot),
	}
}

// Upsert stores rec under its request id.
func (s *MemoryStore) Upsert(_ context.Context, rec domain.EvaluationRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("upsert: empty request id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RequestID] = cloneRecord(rec)
	return nil
}

// Get retrieves a record by request id.
func (s *MemoryStore) Get(_ context.Context, requestID string) (domain.EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[requestID]
	if !ok {
		return domain.EvaluationRecord{}, fmt.Errorf("record %s: %w", requestID, domain.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// List returns matching records ordered by timestamp then request id.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]domain.EvaluationRecord, error) {
	s.mu.RLock()
	out := make([]domain.EvaluationRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.EvaluationRecord) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.RequestID, b.RequestID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Scores returns judge scores of matching scored records.
func (s *MemoryStore) Scores(ctx context.Context, filter ListFilter) ([]domain.JudgeScore, error) {
	records, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return scoresOf(records), nil
}

// AddDeadLetter stores dl, replacing an earlier entry for the same request.
func (s *MemoryStore) AddDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl.Record = cloneRecord(dl.Record)
	s.deadLetters[dl.Record.RequestID] = dl
	return nil
}

// GetDeadLetter retrieves one dead letter.
func (s *MemoryStore) GetDeadLetter(_ context.Context, requestID string) (domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.deadLetters[requestID]
	if !ok {
		return domain.DeadLetter{}, fmt.Errorf("dead letter %s: %w", requestID, domain.ErrNotFound)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters oldest first.
func (s *MemoryStore) ListDeadLetters(_ context.Context) ([]domain.DeadLetter, error) {
	s.mu.RLock()
	out := make([]domain.DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		out = append(out, dl)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.DeadLetter) int {
		if c := a.DeadAt.Compare(b.DeadAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.RequestID, b.Record.RequestID)
	})
	return out, nil
}

// RemoveDeadLetter deletes a dead letter. Removing an absent entry is not an
// error.
func (s *MemoryStore) RemoveDeadLetter(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadLetters, requestID)
	return nil
}

// SaveBaseline records snapshot under name.
func (s *MemoryStore) SaveBaseline(_ context.Context, name string, snapshot domain.MetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot.Gates = slices.Clone(snapshot.Gates)
	s.baselines[name] = snapshot
	return nil
}

// Baseline returns the snapshot saved under name.
func (s *MemoryStore) Baseline(_ context.Context, name string) (domain.MetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.baselines[name]
	if !ok {
		return domain.MetricsSnapshot{}, fmt.Errorf("baseline %s: %w", name, domain.ErrNotFound)
	}
	return snapshot, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(rec domain.EvaluationRecord) domain.EvaluationRecord {
	rec.Response.Recommendations = slices.Clone(rec.Response.Recommendations)
	rec.Quality.NonActionable = slices.Clone(rec.Quality.NonActionable)
	if rec.Score != nil {
		score := *rec.Score
		rec.Score = &score
	}
	return rec
}

package queue

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/polisai/plantwatch/pkg/domain"
)

// errInjectedFailure is returned by memoryTransport for scripted failures.
var errInjectedFailure = errors.New("injected delivery failure")

// memoryTransport keeps the latest record per request id and lets tests
// script failures per record.
type memoryTransport struct {
	mu         sync.Mutex
	records    map[string]domain.EvaluationRecord
	failures   map[string]int
	deliveries int
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		records:  make(map[string]domain.EvaluationRecord),
		failures: make(map[string]int),
	}
}

// FailNext makes the next n deliveries of requestID fail.
func (t *memoryTransport) FailNext(requestID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[requestID] = n
}

// Deliver stores rec, replacing any earlier delivery of the same request.
func (t *memoryTransport) Deliver(ctx context.Context, rec domain.EvaluationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries++
	if n := t.failures[rec.RequestID]; n > 0 {
		t.failures[rec.RequestID] = n - 1
		return errInjectedFailure
	}
	t.records[rec.RequestID] = rec
	return nil
}

// Get returns the stored record for requestID.
func (t *memoryTransport) Get(requestID string) (domain.EvaluationRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[requestID]
	return rec, ok
}

// Records returns stored records ordered by request id.
func (t *memoryTransport) Records() []domain.EvaluationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.EvaluationRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b domain.EvaluationRecord) int {
		return strings.Compare(a.RequestID, b.RequestID)
	})
	return out
}

// Deliveries counts every Deliver call, including failed ones.
func (t *memoryTransport) Deliveries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deliveries
}

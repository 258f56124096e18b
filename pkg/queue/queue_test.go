package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/plantwatch/internal/governance"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/logging"
	"github.com/polisai/plantwatch/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fastConfig() Config {
	return Config{
		Workers:     2,
		Buffer:      16,
		MaxAttempts: DefaultMaxAttempts,
		Backoff: governance.BackoffConfig{
			Min:        time.Millisecond,
			Max:        4 * time.Millisecond,
			Multiplier: 2,
		},
		AttemptTimeout: time.Second,
	}
}

func newQueue(t *testing.T, cfg Config, transport Transport, dead DeadLetterStore, obs Observer) *Queue {
	t.Helper()
	q, err := New(cfg, Options{
		Transport:   transport,
		DeadLetters: dead,
		Observer:    obs,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	return q
}

func stop(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
}

func TestDelivery_StateMachine(t *testing.T) {
	d := NewDelivery(domain.EvaluationRecord{RequestID: "r"}, 2)
	assert.Equal(t, StatePending, d.State())

	require.ErrorIs(t, d.Succeed(), ErrInvalidTransition)

	require.NoError(t, d.Begin())
	assert.Equal(t, StateInFlight, d.State())
	require.ErrorIs(t, d.Begin(), ErrInvalidTransition)

	state, err := d.Fail(errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, state)
	assert.True(t, errors.Is(d.LastError(), domain.ErrDelivery))

	require.NoError(t, d.Begin())
	state, err = d.Fail(errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, state)
	assert.True(t, d.Terminal())
	require.ErrorIs(t, d.Begin(), ErrInvalidTransition)

	dl := d.DeadLetter()
	assert.Equal(t, 2, dl.Attempts)
	assert.Equal(t, 2, dl.Record.Attempts)
	assert.Contains(t, dl.LastError, "attempt 2")
}

func TestDelivery_ExhaustionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxAttempts := rapid.IntRange(1, 10).Draw(t, "max")
		failures := rapid.IntRange(0, 12).Draw(t, "failures")

		d := NewDelivery(domain.EvaluationRecord{RequestID: "r"}, maxAttempts)
		for !d.Terminal() {
			require.NoError(t, d.Begin())
			if d.Attempts() <= failures {
				_, err := d.Fail(errors.New("down"))
				require.NoError(t, err)
				continue
			}
			require.NoError(t, d.Succeed())
		}

		if failures >= maxAttempts {
			assert.Equal(t, StateDeadLettered, d.State())
			assert.Equal(t, maxAttempts, d.Attempts())
		} else {
			assert.Equal(t, StateDelivered, d.State())
			assert.Equal(t, failures+1, d.Attempts())
		}
	})
}

func TestQueue_DeadLettersAfterFiveFailures(t *testing.T) {
	transport := newMemoryTransport()
	dead := storage.NewMemoryStore()
	q := newQueue(t, fastConfig(), transport, dead, nil)
	q.Start()

	transport.FailNext("req-dead", 5)
	transport.FailNext("req-live", 4)
	require.True(t, q.Enqueue(context.Background(), domain.EvaluationRecord{RequestID: "req-dead"}))
	require.True(t, q.Enqueue(context.Background(), domain.EvaluationRecord{RequestID: "req-live"}))
	stop(t, q)

	_, ok := transport.Get("req-dead")
	assert.False(t, ok, "exhausted record must not reach the store")
	dl, err := dead.GetDeadLetter(context.Background(), "req-dead")
	require.NoError(t, err)
	assert.Equal(t, 5, dl.Attempts)
	assert.Contains(t, dl.LastError, errInjectedFailure.Error())

	rec, ok := transport.Get("req-live")
	require.True(t, ok)
	assert.Equal(t, 5, rec.Attempts)
	_, err = dead.GetDeadLetter(context.Background(), "req-live")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	assert.Equal(t, 10, transport.Deliveries())
	assert.Equal(t, 0, q.Depth())
}

func TestQueue_RedeliveryIsIdempotent(t *testing.T) {
	transport := newMemoryTransport()
	q := newQueue(t, fastConfig(), transport, storage.NewMemoryStore(), nil)
	q.Start()

	rec := domain.EvaluationRecord{RequestID: "req-1", PlantType: "Fern"}
	require.True(t, q.Enqueue(context.Background(), rec))
	require.True(t, q.Enqueue(context.Background(), rec))
	stop(t, q)

	assert.Len(t, transport.Records(), 1)
	assert.Equal(t, 2, transport.Deliveries())
}

func TestQueue_FullBufferDeadLetters(t *testing.T) {
	release := make(chan struct{})
	transport := TransportFunc(func(ctx context.Context, _ domain.EvaluationRecord) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	dead := storage.NewMemoryStore()
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.Buffer = 1
	q := newQueue(t, cfg, transport, dead, nil)

	ctx := context.Background()
	require.True(t, q.Enqueue(ctx, domain.EvaluationRecord{RequestID: "a"}))
	assert.False(t, q.Enqueue(ctx, domain.EvaluationRecord{RequestID: "b"}))

	dl, err := dead.GetDeadLetter(ctx, "b")
	require.NoError(t, err)
	assert.Contains(t, dl.LastError, ReasonQueueFull)
	assert.Equal(t, 0, dl.Attempts)

	q.Start()
	close(release)
	stop(t, q)
}

func TestQueue_StopTimeoutDeadLettersOutstanding(t *testing.T) {
	transport := TransportFunc(func(context.Context, domain.EvaluationRecord) error {
		return errors.New("judge unavailable")
	})
	dead := storage.NewMemoryStore()
	cfg := fastConfig()
	cfg.Backoff = governance.BackoffConfig{Min: time.Hour, Max: time.Hour, Multiplier: 2}
	q := newQueue(t, cfg, transport, dead, nil)
	q.Start()

	require.True(t, q.Enqueue(context.Background(), domain.EvaluationRecord{RequestID: "slow"}))
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.timers) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	dl, err := dead.GetDeadLetter(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, 1, dl.Attempts)
	assert.Contains(t, dl.LastError, ReasonQueueStopped)
	assert.Equal(t, 0, q.Depth())

	assert.False(t, q.Enqueue(context.Background(), domain.EvaluationRecord{RequestID: "late"}))
	_, err = dead.GetDeadLetter(context.Background(), "late")
	require.NoError(t, err)
}

func TestQueue_StopUnstartedRacingEnqueue(t *testing.T) {
	for range 50 {
		dead := storage.NewMemoryStore()
		cfg := fastConfig()
		cfg.Buffer = 64
		q := newQueue(t, cfg, newMemoryTransport(), dead, nil)

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Enqueue(context.Background(), domain.EvaluationRecord{RequestID: fmt.Sprintf("r-%d", i)})
			}()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		stopped := make(chan error, 1)
		go func() { stopped <- q.Stop(ctx) }()
		select {
		case err := <-stopped:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			cancel()
			t.Fatal("Stop did not return")
		}
		cancel()
		wg.Wait()

		letters, err := dead.ListDeadLetters(context.Background())
		require.NoError(t, err)
		assert.Len(t, letters, 8)
		assert.Equal(t, 0, q.Depth())
	}
}

func TestQueue_RequeueRemovesDeadLetter(t *testing.T) {
	ctx := context.Background()
	transport := newMemoryTransport()
	dead := storage.NewMemoryStore()
	rec := domain.EvaluationRecord{RequestID: "req-7", Attempts: 5}
	require.NoError(t, dead.AddDeadLetter(ctx, domain.DeadLetter{Record: rec, Attempts: 5, DeadAt: time.Now()}))

	q := newQueue(t, fastConfig(), transport, dead, nil)
	q.Start()
	require.True(t, q.Requeue(ctx, rec))
	stop(t, q)

	got, ok := transport.Get("req-7")
	require.True(t, ok)
	assert.Equal(t, 1, got.Attempts)
	_, err := dead.GetDeadLetter(ctx, "req-7")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestQueue_TransportPanicIsRetried(t *testing.T) {
	var calls atomic.Int32
	transport := TransportFunc(func(context.Context, domain.EvaluationRecord) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	dead := storage.NewMemoryStore()
	q := newQueue(t, fastConfig(), transport, dead, nil)
	q.Start()
	require.True(t, q.Enqueue(context.Background(), domain.EvaluationRecord{RequestID: "p"}))
	stop(t, q)

	assert.EqualValues(t, 2, calls.Load())
	list, err := dead.ListDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

type mockObserver struct {
	mock.Mock
	mu sync.Mutex
}

func (m *mockObserver) RecordDelivery(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(outcome)
}

func (m *mockObserver) RecordDeadLetter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called()
}

func (m *mockObserver) SetQueueDepth(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(n)
}

func TestQueue_ObserverSeesOutcomes(t *testing.T) {
	obs := &mockObserver{}
	obs.On("RecordDelivery", "retrying").Return().Twice()
	obs.On("RecordDelivery", "delivered").Return().Once()
	obs.On("SetQueueDepth", mock.AnythingOfType("int")).Return()

	transport := newMemoryTransport()
	transport.FailNext("r", 2)
	cfg := fastConfig()
	cfg.Workers = 1
	q := newQueue(t, cfg, transport, storage.NewMemoryStore(), obs)
	q.Start()
	require.True(t, q.Enqueue(context.Background(), domain.EvaluationRecord{RequestID: "r"}))
	stop(t, q)

	obs.AssertExpectations(t)
	obs.AssertNotCalled(t, "RecordDeadLetter")
	obs.AssertCalled(t, "SetQueueDepth", 0)
}

func TestQueue_ManyRecords(t *testing.T) {
	transport := newMemoryTransport()
	dead := storage.NewMemoryStore()
	cfg := fastConfig()
	cfg.Buffer = 64
	cfg.Workers = 4
	q := newQueue(t, cfg, transport, dead, nil)
	q.Start()

	for i := range 40 {
		id := fmt.Sprintf("req-%02d", i)
		transport.FailNext(id, i%7)
		require.True(t, q.Enqueue(context.Background(), domain.EvaluationRecord{RequestID: id}))
	}
	stop(t, q)

	deadLetters, err := dead.ListDeadLetters(context.Background())
	require.NoError(t, err)
	// i%7 in {5, 6} exhausts five attempts.
	assert.Len(t, deadLetters, 10)
	assert.Len(t, transport.Records(), 30)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Options{DeadLetters: storage.NewMemoryStore()})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	_, err = New(Config{}, Options{Transport: newMemoryTransport()})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

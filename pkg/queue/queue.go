package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/plantwatch/internal/governance"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Dead-letter reasons for records that never reached the transport.
const (
	ReasonQueueFull    = "queue full"
	ReasonQueueStopped = "queue stopped before delivery"
)

// Transport delivers one record downstream. It may be called more than once
// for the same record, so implementations must be idempotent by request id.
type Transport interface {
	Deliver(ctx context.Context, rec domain.EvaluationRecord) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, rec domain.EvaluationRecord) error

// Deliver calls f(ctx, rec).
func (f TransportFunc) Deliver(ctx context.Context, rec domain.EvaluationRecord) error {
	return f(ctx, rec)
}

// DeadLetterStore holds records that exhausted delivery.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, dl domain.DeadLetter) error
	RemoveDeadLetter(ctx context.Context, requestID string) error
}

// Observer receives delivery outcomes, typically a Prometheus registry.
type Observer interface {
	RecordDelivery(outcome string)
	RecordDeadLetter()
	SetQueueDepth(n int)
}

// Config tunes a Queue.
type Config struct {
	Workers        int
	Buffer         int
	MaxAttempts    int
	Backoff        governance.BackoffConfig
	AttemptTimeout time.Duration
}

// DefaultConfig returns the production queue settings.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		Buffer:         256,
		MaxAttempts:    DefaultMaxAttempts,
		Backoff:        governance.DefaultBackoffConfig(),
		AttemptTimeout: 2 * time.Minute,
	}
}

// Options wires a Queue's collaborators.
type Options struct {
	Transport   Transport
	DeadLetters DeadLetterStore
	Observer    Observer
	Logger      *slog.Logger
}

// Queue is an in-process evaluation queue. Enqueue never blocks; a worker
// pool delivers records and reschedules failures with exponential backoff.
type Queue struct {
	cfg         Config
	transport   Transport
	deadLetters DeadLetterStore
	observer    Observer
	logger      *slog.Logger
	backoff     *governance.Backoff

	ch     chan *Delivery
	stopCh chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	aborting bool
	timers   map[*Delivery]*time.Timer
	requeued map[*Delivery]bool

	outstanding sync.WaitGroup
	workers     sync.WaitGroup
	timerWG     sync.WaitGroup
	depth       atomic.Int64
}

// New creates a queue. Transport and DeadLetters are required.
func New(cfg Config, opts Options) (*Queue, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: queue transport is required", domain.ErrConfigInvalid)
	}
	if opts.DeadLetters == nil {
		return nil, fmt.Errorf("%w: dead-letter store is required", domain.ErrConfigInvalid)
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		cfg:         cfg,
		transport:   opts.Transport,
		deadLetters: opts.DeadLetters,
		observer:    opts.Observer,
		logger:      opts.Logger,
		backoff:     governance.NewBackoff(cfg.Backoff),
		ch:          make(chan *Delivery, cfg.Buffer),
		stopCh:      make(chan struct{}),
		timers:      make(map[*Delivery]*time.Timer),
		requeued:    make(map[*Delivery]bool),
	}, nil
}

// Start launches the worker pool. It is a no-op when already started.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for range q.cfg.Workers {
		q.workers.Add(1)
		go q.work()
	}
	q.logger.Info("evaluation queue started",
		"workers", q.cfg.Workers,
		"buffer", q.cfg.Buffer,
		"max_attempts", q.cfg.MaxAttempts,
	)
}

// Enqueue hands rec to the queue without blocking. It returns false when the
// record could not be accepted; such records are dead-lettered, not dropped.
func (q *Queue) Enqueue(ctx context.Context, rec domain.EvaluationRecord) bool {
	return q.enqueue(ctx, rec, false)
}

// Requeue resubmits a dead-lettered record with a fresh attempt budget. Its
// dead-letter entry is removed once it is delivered.
func (q *Queue) Requeue(ctx context.Context, rec domain.EvaluationRecord) bool {
	rec.Attempts = 0
	return q.enqueue(ctx, rec, true)
}

func (q *Queue) enqueue(ctx context.Context, rec domain.EvaluationRecord, requeued bool) bool {
	d := NewDelivery(rec, q.cfg.MaxAttempts)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		d.abandon(ReasonQueueStopped)
		q.storeDeadLetter(ctx, d)
		return false
	}
	q.outstanding.Add(1)
	if requeued {
		q.requeued[d] = true
	}
	depth := q.depth.Add(1)
	// The send happens under mu so Stop's final drain sees every record
	// accepted before stopped was set.
	var accepted bool
	select {
	case q.ch <- d:
		accepted = true
	default:
	}
	q.mu.Unlock()
	q.setDepth(depth)

	if !accepted {
		d.abandon(ReasonQueueFull)
		q.logger.Warn("evaluation queue full", "request_id", rec.RequestID)
		q.deadLetter(ctx, d)
	}
	return accepted
}

// Depth returns the number of records not yet delivered or dead-lettered.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Stop stops accepting records and waits for outstanding deliveries,
// including scheduled retries, to finish. When ctx expires first, every
// record still outstanding is dead-lettered so none are lost.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.outstanding.Wait()
		close(drained)
	}()

	var err error
	abort := !started
	if started {
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
			abort = true
		}
	}

	if abort {
		q.mu.Lock()
		q.aborting = true
		var pending []*Delivery
		for d, t := range q.timers {
			if t.Stop() {
				pending = append(pending, d)
				q.timerWG.Done()
			}
		}
		clear(q.timers)
		q.mu.Unlock()
		for _, d := range pending {
			d.abandon(ReasonQueueStopped)
			q.deadLetter(context.Background(), d)
		}
	}

	close(q.stopCh)
	q.workers.Wait()
	q.timerWG.Wait()

drain:
	for {
		select {
		case d := <-q.ch:
			d.abandon(ReasonQueueStopped)
			q.deadLetter(context.Background(), d)
		default:
			break drain
		}
	}

	<-drained
	q.logger.Info("evaluation queue stopped", "error", err)
	if err != nil {
		return fmt.Errorf("stop evaluation queue: %w", err)
	}
	return nil
}

func (q *Queue) work() {
	defer q.workers.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case d := <-q.ch:
			q.process(d)
		}
	}
}

func (q *Queue) process(d *Delivery) {
	ctx, span := telemetry.Tracer().Start(context.Background(), "evaluation.deliver")
	defer span.End()

	if err := d.Begin(); err != nil {
		q.logger.Error("evaluation delivery out of order", "request_id", d.Record.RequestID, "error", err)
		return
	}
	span.SetAttributes(
		attribute.String("evaluation.request_id", d.Record.RequestID),
		attribute.Int("evaluation.attempt", d.Attempts()),
	)

	err := q.deliver(ctx, d.Record)
	if err == nil {
		_ = d.Succeed()
		q.observe(ctx, "delivered", d.Attempts())
		q.mu.Lock()
		requeued := q.requeued[d]
		delete(q.requeued, d)
		q.mu.Unlock()
		if requeued {
			if rmErr := q.deadLetters.RemoveDeadLetter(ctx, d.Record.RequestID); rmErr != nil {
				q.logger.Error("remove reconciled dead letter", "request_id", d.Record.RequestID, "error", rmErr)
			}
		}
		q.finish()
		return
	}

	state, _ := d.Fail(err)
	span.RecordError(err)
	if state == StateDeadLettered {
		q.logger.Error("evaluation delivery exhausted",
			"request_id", d.Record.RequestID,
			"attempts", d.Attempts(),
			"error", err,
		)
		q.deadLetter(ctx, d)
		return
	}

	delay := q.backoff.Delay(d.Attempts())
	q.logger.Warn("evaluation delivery failed, retrying",
		"request_id", d.Record.RequestID,
		"attempt", d.Attempts(),
		"retry_in", delay,
		"error", err,
	)
	q.observe(ctx, "retrying", d.Attempts())
	q.schedule(d, delay)
}

func (q *Queue) deliver(ctx context.Context, rec domain.EvaluationRecord) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return q.transport.Deliver(ctx, rec)
}

func (q *Queue) schedule(d *Delivery, delay time.Duration) {
	q.mu.Lock()
	if q.aborting {
		q.mu.Unlock()
		d.abandon(ReasonQueueStopped)
		q.deadLetter(context.Background(), d)
		return
	}
	q.timerWG.Add(1)
	q.timers[d] = time.AfterFunc(delay, func() {
		defer q.timerWG.Done()
		q.mu.Lock()
		delete(q.timers, d)
		q.mu.Unlock()
		select {
		case q.ch <- d:
		case <-q.stopCh:
			d.abandon(ReasonQueueStopped)
			q.deadLetter(context.Background(), d)
		}
	})
	q.mu.Unlock()
}

func (q *Queue) deadLetter(ctx context.Context, d *Delivery) {
	q.storeDeadLetter(ctx, d)
	q.mu.Lock()
	delete(q.requeued, d)
	q.mu.Unlock()
	q.finish()
}

func (q *Queue) storeDeadLetter(ctx context.Context, d *Delivery) {
	dl := d.DeadLetter()
	if err := q.deadLetters.AddDeadLetter(ctx, dl); err != nil {
		q.logger.Error("store dead letter",
			"request_id", d.Record.RequestID,
			"error", err,
		)
	}
	q.observe(ctx, "dead_lettered", d.Attempts())
	if q.observer != nil {
		q.observer.RecordDeadLetter()
	}
}

func (q *Queue) finish() {
	q.setDepth(q.depth.Add(-1))
	q.outstanding.Done()
}

func (q *Queue) observe(ctx context.Context, outcome string, attempt int) {
	telemetry.RecordDelivery(ctx, outcome, attempt)
	if q.observer != nil {
		q.observer.RecordDelivery(outcome)
	}
}

func (q *Queue) setDepth(n int64) {
	if q.observer != nil {
		q.observer.SetQueueDepth(int(n))
	}
}

// Package queue carries sampled evaluation records to the scoring pipeline
// with at-least-once delivery, bounded exponential backoff and a dead-letter
// set for records that exhaust their attempts.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
)

// DefaultMaxAttempts is the delivery budget before a record is dead-lettered.
const DefaultMaxAttempts = 5

// ErrInvalidTransition is returned when a delivery is driven out of order.
var ErrInvalidTransition = errors.New("invalid delivery transition")

// State is the lifecycle position of one queued record.
type State int

// Delivery states. StateDelivered and StateDeadLettered are terminal.
const (
	StatePending State = iota
	StateInFlight
	StateDelivered
	StateRetrying
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateDelivered:
		return "delivered"
	case StateRetrying:
		return "retrying"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Delivery tracks one record through pending, in_flight and its outcome.
// It holds no transport and is not safe for concurrent use; the queue hands
// each delivery to one worker at a time.
type Delivery struct {
	Record      domain.EvaluationRecord
	MaxAttempts int

	state     State
	attempts  int
	lastErr   error
	updatedAt time.Time
}

// NewDelivery starts a record in StatePending.
func NewDelivery(rec domain.EvaluationRecord, maxAttempts int) *Delivery {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Delivery{Record: rec, MaxAttempts: maxAttempts, state: StatePending}
}

// State returns the current state.
func (d *Delivery) State() State { return d.state }

// Attempts returns how many times delivery has begun.
func (d *Delivery) Attempts() int { return d.attempts }

// LastError returns the error of the most recent failed attempt.
func (d *Delivery) LastError() error { return d.lastErr }

// Terminal reports whether no further transitions are possible.
func (d *Delivery) Terminal() bool {
	return d.state == StateDelivered || d.state == StateDeadLettered
}

// Begin moves a pending or retrying delivery in flight and counts the
// attempt.
func (d *Delivery) Begin() error {
	if d.state != StatePending && d.state != StateRetrying {
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, d.state)
	}
	d.attempts++
	d.Record.Attempts = d.attempts
	d.state = StateInFlight
	d.updatedAt = time.Now()
	return nil
}

// Succeed marks an in-flight delivery delivered.
func (d *Delivery) Succeed() error {
	if d.state != StateInFlight {
		return fmt.Errorf("%w: succeed from %s", ErrInvalidTransition, d.state)
	}
	d.state = StateDelivered
	d.lastErr = nil
	d.updatedAt = time.Now()
	return nil
}

// Fail records a failed attempt. The delivery moves to StateRetrying while
// attempts remain and to StateDeadLettered once MaxAttempts is reached.
func (d *Delivery) Fail(cause error) (State, error) {
	if d.state != StateInFlight {
		return d.state, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, d.state)
	}
	d.lastErr = &domain.DeliveryError{RequestID: d.Record.RequestID, Attempt: d.attempts, Err: cause}
	if d.attempts >= d.MaxAttempts {
		d.state = StateDeadLettered
	} else {
		d.state = StateRetrying
	}
	d.updatedAt = time.Now()
	return d.state, nil
}

// abandon dead-letters a delivery that can no longer be attempted, such as
// one rejected by a full buffer or outstanding at shutdown.
func (d *Delivery) abandon(reason string) {
	d.lastErr = &domain.DeliveryError{RequestID: d.Record.RequestID, Attempt: d.attempts, Err: errors.New(reason)}
	d.state = StateDeadLettered
	d.updatedAt = time.Now()
}

// DeadLetter renders a dead-lettered delivery for storage.
func (d *Delivery) DeadLetter() domain.DeadLetter {
	msg := ""
	if d.lastErr != nil {
		msg = d.lastErr.Error()
	}
	return domain.DeadLetter{
		Record:    d.Record,
		Attempts:  d.attempts,
		LastError: msg,
		DeadAt:    d.updatedAt,
	}
}

package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// BackoffConfig describes an exponential schedule bounded by Min and Max.
type BackoffConfig struct {
	// Min is the delay before the first retry.
	Min time.Duration
	// Max caps every delay.
	Max time.Duration
	// Multiplier is the factor by which the delay grows per attempt.
	Multiplier float64
	// Jitter adds up to 25% random delay on top of the computed backoff.
	Jitter bool
}

// DefaultBackoffConfig returns the schedule used for evaluation redelivery.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Min:        10 * time.Second,
		Max:        600 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Backoff computes delays for a BackoffConfig.
type Backoff struct {
	config BackoffConfig
}

// NewBackoff normalises the configuration and returns a Backoff.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Min <= 0 {
		config.Min = 100 * time.Millisecond
	}
	if config.Max < config.Min {
		config.Max = config.Min
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	return &Backoff{config: config}
}

// Config returns a copy of the current configuration.
func (b *Backoff) Config() BackoffConfig {
	return b.config
}

// Delay returns the wait before retry number attempt (1-based). The result is
// always within [Min, Max].
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(b.config.Min) * math.Pow(b.config.Multiplier, float64(attempt-1))
	if math.IsInf(raw, 0) || raw > float64(b.config.Max) {
		raw = float64(b.config.Max)
	}
	delay := time.Duration(raw)

	if b.config.Jitter && delay >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		delay += time.Duration(rand.Int64N(int64(delay / 4)))
		if delay > b.config.Max {
			delay = b.config.Max
		}
	}
	return delay
}

// RetryConfig defines retry behaviour for upstream model calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	Backoff    BackoffConfig
	// RetryableStatusCodes defines which HTTP status codes should trigger retries.
	RetryableStatusCodes map[int]bool
}

// DefaultRetryConfig returns sensible defaults for model calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		Backoff: BackoffConfig{
			Min:        200 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2.0,
			Jitter:     true,
		},
		RetryableStatusCodes: map[int]bool{
			http.StatusRequestTimeout:      true, // 408
			http.StatusTooManyRequests:     true, // 429
			http.StatusInternalServerError: true, // 500
			http.StatusBadGateway:          true, // 502
			http.StatusServiceUnavailable:  true, // 503
			http.StatusGatewayTimeout:      true, // 504
		},
	}
}

// StatusError carries the HTTP status of a failed upstream call so the retry
// policy can classify it.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// RetryPolicy determines if a call should be retried.
type RetryPolicy struct {
	config  RetryConfig
	backoff *Backoff
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = DefaultRetryConfig().RetryableStatusCodes
	}
	return &RetryPolicy{config: config, backoff: NewBackoff(config.Backoff)}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether err after the given zero-based attempt warrants
// another try.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return rp.config.RetryableStatusCodes[statusErr.StatusCode]
	}
	return IsRetryableError(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !rp.ShouldRetry(lastErr, attempt) {
			if attempt < rp.config.MaxRetries {
				return lastErr
			}
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rp.backoff.Delay(attempt + 1)):
		}
	}

	if rp.config.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// IsRetryableError determines if an error should trigger a retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
		"EOF",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

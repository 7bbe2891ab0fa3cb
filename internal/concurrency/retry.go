package concurrency

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

const (
	defaultMaxRetries = 1
	defaultBaseDelay  = 50 * time.Millisecond
	defaultMaxDelay   = 200 * time.Millisecond
	defaultFactor     = 1.5
)

// Retryer re-runs an operation on transient failures with exponential
// backoff and jitter. Which errors count as transient is decided by the
// injected classifier; everything else surfaces immediately.
type Retryer struct {
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	factor      float64
	isTransient func(error) bool
}

func NewRetryer(isTransient func(error) bool, opts ...RetryerOption) *Retryer {
	r := &Retryer{
		maxRetries:  defaultMaxRetries,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		factor:      defaultFactor,
		isTransient: isTransient,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RetryerOption func(*Retryer)

// WithMaxRetries sets how many times an operation is re-run after the
// first attempt.
func WithMaxRetries(n int) RetryerOption {
	return func(r *Retryer) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithBackoff overrides the backoff parameters.
func WithBackoff(base, max time.Duration, factor float64) RetryerOption {
	return func(r *Retryer) {
		if base > 0 {
			r.baseDelay = base
		}
		if max > 0 {
			r.maxDelay = max
		}
		if factor > 1 {
			r.factor = factor
		}
	}
}

// Do runs op, retrying transient errors until the attempt budget or the
// context deadline runs out. The attempt number is passed to op starting
// at 0.
func (r *Retryer) Do(ctx context.Context, op func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		if !r.isTransient(lastErr) {
			return lastErr
		}
		if attempt == r.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay(attempt)):
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// delay computes the backoff for the given attempt with 50-100% jitter.
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.baseDelay)
	for i := 0; i < attempt; i++ {
		d *= r.factor
	}
	if d > float64(r.maxDelay) {
		d = float64(r.maxDelay)
	}
	jitter := 0.5 + 0.5*rand.Float64()
	return time.Duration(d * jitter)
}

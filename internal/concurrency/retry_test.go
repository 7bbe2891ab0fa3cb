package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func fastRetryer(maxRetries int) *Retryer {
	return NewRetryer(isTransient,
		WithMaxRetries(maxRetries),
		WithBackoff(time.Millisecond, 2*time.Millisecond, 2),
	)
}

func TestRetryerFirstTrySuccess(t *testing.T) {
	calls := 0
	err := fastRetryer(3).Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls-1, attempt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryerRecoversFromTransient(t *testing.T) {
	calls := 0
	err := fastRetryer(3).Do(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryerPermanentErrorSurfacesImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := fastRetryer(3).Do(context.Background(), func(int) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestRetryerExhaustion(t *testing.T) {
	calls := 0
	err := fastRetryer(2).Do(context.Background(), func(int) error {
		calls++
		return errTransient
	})

	// first attempt plus two retries
	assert.Equal(t, 3, calls)
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	// the last underlying error stays reachable through the chain
	assert.ErrorIs(t, err, errTransient)
}

func TestRetryerZeroRetries(t *testing.T) {
	calls := 0
	err := fastRetryer(0).Do(context.Background(), func(int) error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, calls)
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestRetryerHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	r := NewRetryer(isTransient, WithMaxRetries(5), WithBackoff(50*time.Millisecond, 100*time.Millisecond, 2))
	err := r.Do(ctx, func(int) error {
		calls++
		cancel()
		return errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryerDelayBounds(t *testing.T) {
	r := NewRetryer(isTransient, WithBackoff(50*time.Millisecond, 200*time.Millisecond, 1.5))

	for attempt := 0; attempt < 10; attempt++ {
		d := r.delay(attempt)
		assert.GreaterOrEqual(t, d, 25*time.Millisecond, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 200*time.Millisecond, "attempt %d", attempt)
	}
}

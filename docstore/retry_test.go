package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RetryWithExponentialBackoff_StopsOnSuccess(t *testing.T) {
	calls := 0
	result, err := RetryWithExponentialBackoff(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return ErrConflict
		}
		return nil
	}, WithBaseDelay(time.Millisecond))

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, result.Attempts)
	assert.False(t, result.Exhausted)
	assert.Positive(t, result.TotalDelay)
}

func Test_RetryWithExponentialBackoff_DoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	result, err := RetryWithExponentialBackoff(context.Background(), func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.False(t, result.Exhausted)
}

func Test_RetryWithExponentialBackoff_Exhausts(t *testing.T) {
	calls := 0
	result, err := RetryWithExponentialBackoff(context.Background(), func(context.Context) error {
		calls++
		return ErrConflict
	}, WithMaxAttempts(3), WithBaseDelay(0), WithJitterFactor(0))

	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, calls)
	assert.True(t, result.Exhausted)
	assert.Equal(t, 3, result.Attempts)
}

func Test_RetryWithExponentialBackoff_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryWithExponentialBackoff(ctx, func(context.Context) error {
		t.Fatal("must not be called")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_RetryOptions_Validate(t *testing.T) {
	noop := func(context.Context) error { return nil }

	_, err := RetryWithExponentialBackoff(context.Background(), noop, WithMaxAttempts(0))
	assert.ErrorIs(t, err, ErrInvalidMaxAttempts)

	_, err = RetryWithExponentialBackoff(context.Background(), noop, WithBaseDelay(-time.Second))
	assert.ErrorIs(t, err, ErrNegativeBaseDelay)

	_, err = RetryWithExponentialBackoff(context.Background(), noop, WithJitterFactor(1.5))
	assert.ErrorIs(t, err, ErrInvalidJitterFactor)
}

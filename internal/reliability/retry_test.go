package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("delay grows and is capped", func(t *testing.T) {
		p := NewExponentialBackoff(10*time.Millisecond, 40*time.Millisecond, 10)
		p.Jitter = false

		d, ok := p.NextDelay(0, errPoll)
		require.True(t, ok)
		assert.Equal(t, 10*time.Millisecond, d)

		d, _ = p.NextDelay(1, errPoll)
		assert.Equal(t, 20*time.Millisecond, d)

		d, _ = p.NextDelay(5, errPoll)
		assert.Equal(t, 40*time.Millisecond, d)
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		p := NewExponentialBackoff(100*time.Millisecond, time.Second, 10)
		for i := 0; i < 20; i++ {
			d, _ := p.NextDelay(0, errPoll)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})

	t.Run("stops at max attempts and on permanent errors", func(t *testing.T) {
		p := NewExponentialBackoff(time.Millisecond, time.Millisecond, 3)
		_, ok := p.NextDelay(2, errPoll)
		assert.False(t, ok)

		_, ok = p.NextDelay(0, Permanent(errPoll))
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, "publish", NewFixedDelay(time.Millisecond, 5), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errPoll
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps the last error after exhausting attempts", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, "publish", NewFixedDelay(time.Millisecond, 3), func(context.Context) error {
			attempts++
			return errPoll
		})

		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, errPoll)

		var retryErr *RetryError
		require.True(t, errors.As(err, &retryErr))
		assert.Equal(t, 3, retryErr.Attempts)
	})

	t.Run("permanent errors are returned immediately", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, "publish", NewFixedDelay(time.Millisecond, 3), func(context.Context) error {
			attempts++
			return Permanent(errPoll)
		})
		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, ErrNonRetryable)
		assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	})

	t.Run("context cancellation stops the wait", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := Retry(cctx, "publish", NewFixedDelay(time.Hour, 3), func(context.Context) error {
			return errPoll
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errPoll))
	assert.False(t, IsRetryable(Permanent(errPoll)))
	assert.False(t, IsRetryable(&CircuitBreakerError{State: StateOpen, RetryAt: time.Now().Add(time.Hour)}))
	assert.Nil(t, Permanent(nil))
}

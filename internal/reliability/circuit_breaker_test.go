package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errPoll = errors.New("poll failed")

func failing(context.Context) error { return errPoll }
func succeeding(context.Context) error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed and allows calls", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.True(t, cb.Allow())
		assert.NoError(t, cb.Execute(ctx, succeeding))
	})

	t.Run("opens after failure threshold", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := NewCircuitBreaker(WithFailureThreshold(3), withClock(clock.Now))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, failing), errPoll)
		}
		assert.Equal(t, StateOpen, cb.State())
		assert.False(t, cb.Allow())

		called := false
		err := cb.Execute(ctx, func(context.Context) error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, int64(1), cb.Stats().TotalRejected)
	})

	t.Run("success in closed state resets failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		_ = cb.Execute(ctx, failing)
		_ = cb.Execute(ctx, succeeding)
		_ = cb.Execute(ctx, failing)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("Allow does not consume the trial call", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(time.Second), withClock(clock.Now))
		_ = cb.Execute(ctx, failing)

		clock.Advance(2 * time.Second)
		assert.True(t, cb.Allow())
		assert.True(t, cb.Allow())
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("half-open closes after success threshold", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		var transitions []State
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithOpenTimeout(time.Second),
			WithStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
			withClock(clock.Now),
		)
		_ = cb.Execute(ctx, failing)
		clock.Advance(2 * time.Second)

		require.NoError(t, cb.Execute(ctx, succeeding))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, succeeding))
		assert.Equal(t, StateClosed, cb.State())

		assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
	})

	t.Run("half-open reopens on failure", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(time.Second), withClock(clock.Now))
		_ = cb.Execute(ctx, failing)
		clock.Advance(2 * time.Second)

		assert.ErrorIs(t, cb.Execute(ctx, failing), errPoll)
		assert.Equal(t, StateOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("half-open limits concurrent trials", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(time.Second), WithHalfOpenLimit(1), withClock(clock.Now))
		_ = cb.Execute(ctx, failing)
		clock.Advance(2 * time.Second)

		started := make(chan struct{})
		finish := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(ctx, func(context.Context) error {
				close(started)
				<-finish
				return nil
			})
		}()
		<-started

		assert.False(t, cb.Allow())
		assert.ErrorIs(t, cb.Execute(ctx, succeeding), ErrCircuitOpen)

		close(finish)
		assert.NoError(t, <-done)
		assert.True(t, cb.Allow())
	})

	t.Run("cancelled context skips the call", func(t *testing.T) {
		cb := NewCircuitBreaker()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := cb.Execute(cctx, func(context.Context) error {
			t.Fatal("should not run")
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("reset closes the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, failing)
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 0, cb.Stats().Failures)
	})

	t.Run("concurrent use is safe", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1000))
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					_ = cb.Execute(ctx, failing)
				} else {
					_ = cb.Execute(ctx, succeeding)
				}
				cb.Allow()
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int64(50), cb.Stats().TotalCalls)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

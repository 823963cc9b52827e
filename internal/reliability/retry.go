package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is retried.
// Attempts are counted from zero.
type RetryPolicy interface {
	NextDelay(attempt int, err error) (time.Duration, bool)
}

// ExponentialBackoff doubles the delay on every attempt up to MaxInterval
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a jittered exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      2,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int, err error) (time.Duration, bool) {
	if attempt+1 >= e.MaxAttempts || !IsRetryable(err) {
		return 0, false
	}

	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		// +-15%
		delay += (rand.Float64()*0.3 - 0.15) * delay
	}
	return time.Duration(delay), true
}

// FixedDelay waits the same delay between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxAttempts}
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int, err error) (time.Duration, bool) {
	if attempt+1 >= f.MaxAttempts || !IsRetryable(err) {
		return 0, false
	}
	return f.Delay, true
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done. When
// the policy gives up after more than one attempt the last error is wrapped
// in a RetryError.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func(ctx context.Context) error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		delay, again := policy.NextDelay(attempt, err)
		if !again {
			if attempt == 0 || !IsRetryable(err) {
				return err
			}
			return &RetryError{Op: op, Attempts: attempt + 1, LastError: err, Duration: time.Since(start)}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

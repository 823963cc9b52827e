package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called synchronously after a state transition
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker stops polling a client that keeps failing. After the open
// timeout it lets a limited number of trial calls through and closes again
// once enough of them succeed.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	lastFailure time.Time

	totalCalls    int64
	totalFailures int64
	totalRejected int64

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenLimit    int
	now              func() time.Time
	onChange         []StateChangeFunc
	logger           *slog.Logger
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithName sets the name used in errors and log entries
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the trial successes that close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the circuit stays open before trial calls
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenLimit sets the concurrent trial calls allowed while half-open
func WithHalfOpenLimit(limit int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenLimit = limit
	}
}

// WithStateChange registers a state change callback
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = append(cb.onChange, fn)
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

func withClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		halfOpenLimit:    1,
		now:              time.Now,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a call would be let through right now. It does not
// change state, so a scheduler can consult it without taking a trial slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		return !cb.now().Before(cb.lastFailure.Add(cb.openTimeout))
	case StateHalfOpen:
		return cb.inFlight < cb.halfOpenLimit
	default:
		return true
	}
}

// Execute runs fn when the circuit allows it and records the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		cb.abandon()
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed, "reset")
	}
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()

	cb.totalCalls++
	var transitioned bool

	switch cb.state {
	case StateOpen:
		retryAt := cb.lastFailure.Add(cb.openTimeout)
		if cb.now().Before(retryAt) {
			cb.totalRejected++
			err := cb.errorLocked(retryAt)
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.inFlight = 1
		transitioned = true

	case StateHalfOpen:
		if cb.inFlight >= cb.halfOpenLimit {
			cb.totalRejected++
			err := cb.errorLocked(time.Time{})
			cb.mu.Unlock()
			return err
		}
		cb.inFlight++
	}

	cb.mu.Unlock()

	if transitioned {
		cb.notify(StateOpen, StateHalfOpen, "open timeout expired")
	}
	return nil
}

func (cb *CircuitBreaker) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()

	from := cb.state
	to := from
	var reason string

	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailure = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				to = StateOpen
				reason = fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold)
			}
		case StateHalfOpen:
			to = StateOpen
			reason = "trial call failed"
		}
		if to == StateOpen {
			cb.successes = 0
			cb.inFlight = 0
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.successThreshold {
				to = StateClosed
				reason = fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold)
				cb.failures = 0
				cb.successes = 0
				cb.inFlight = 0
			}
		}
	}

	cb.state = to
	cb.mu.Unlock()

	if to != from {
		cb.notify(from, to, reason)
	}
}

// errorLocked must be called with the lock held
func (cb *CircuitBreaker) errorLocked(retryAt time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailure,
		RetryAt:          retryAt,
	}
}

func (cb *CircuitBreaker) notify(from, to State, reason string) {
	cb.logger.Info("Circuit breaker state changed",
		"breaker", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)

	for _, fn := range cb.onChange {
		fn(cb.name, from, to)
	}
}

// Stats returns the breaker counters
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:          cb.name,
		State:         cb.state,
		Failures:      cb.failures,
		TotalCalls:    cb.totalCalls,
		TotalFailures: cb.totalFailures,
		TotalRejected: cb.totalRejected,
		LastFailure:   cb.lastFailure,
	}
}

// CircuitBreakerStats is a point-in-time copy of the breaker counters
type CircuitBreakerStats struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	TotalCalls    int64     `json:"totalCalls"`
	TotalFailures int64     `json:"totalFailures"`
	TotalRejected int64     `json:"totalRejected"`
	LastFailure   time.Time `json:"lastFailure"`
}

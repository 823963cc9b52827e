package communication

import "errors"

var (
	// ErrMissingExecutor is returned by Start when no executor is configured
	ErrMissingExecutor = errors.New("communication: executor is required")
	// ErrMissingPayloadHandler is returned by Start when no payload handler is configured
	ErrMissingPayloadHandler = errors.New("communication: payload handler is required")
	// ErrClientNotFound is returned when a reservation refers to an unknown client
	ErrClientNotFound = errors.New("communication: listener client not found")
	// ErrNotRunning is returned when work is offered to a stopped container
	ErrNotRunning = errors.New("communication: container is not running")
)

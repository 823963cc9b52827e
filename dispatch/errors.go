package dispatch

import "errors"

var (
	// ErrServiceNotStarted is returned when a message is injected into a stopped service
	ErrServiceNotStarted = errors.New("dispatch: service is not started")
	// ErrMissingSerializer is returned when a package is supplied without a serializer
	ErrMissingSerializer = errors.New("dispatch: serializer is required to serialize a package")
	// ErrHandlerNotFound is returned by Unregister for unknown registrations
	ErrHandlerNotFound = errors.New("dispatch: handler not found")
)

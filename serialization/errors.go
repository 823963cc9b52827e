package serialization

import "errors"

var (
	// ErrTypeNotRegistered is returned when no body type is bound to a header
	ErrTypeNotRegistered = errors.New("serialization: type not registered")
	// ErrEmptyBody is returned when a message without body is decoded
	ErrEmptyBody = errors.New("serialization: message body is empty")
)

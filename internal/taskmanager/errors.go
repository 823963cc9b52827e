package taskmanager

import "errors"

var (
	ErrNotRunning       = errors.New("taskmanager: not running")
	ErrCapacityExceeded = errors.New("taskmanager: capacity exceeded")
	ErrTaskTimeout      = errors.New("taskmanager: task timed out")
	ErrInvalidTask      = errors.New("taskmanager: task has no execute function")
)

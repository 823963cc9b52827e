package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrPartitionConfigCast is the sentinel for PartitionConfigCastError
	ErrPartitionConfigCast = errors.New("channel: partition config does not match channel direction")
	// ErrPartitionConfigExists is the sentinel for PartitionConfigExistsError
	ErrPartitionConfigExists = errors.New("channel: partition priority already exists")
	// ErrChannelExists is returned when a channel id is registered twice for one direction
	ErrChannelExists = errors.New("channel: channel already exists")
	// ErrChannelNotFound is returned when a channel is not registered
	ErrChannelNotFound = errors.New("channel: channel not found")
)

// PartitionConfigCastError is returned when a partition of the wrong kind is
// attached to a channel.
type PartitionConfigCastError struct {
	ChannelID string
	Direction Direction
	Kind      Direction
}

func (e *PartitionConfigCastError) Error() string {
	return fmt.Sprintf("channel %s (%s): cannot attach %s partition config", e.ChannelID, e.Direction, e.Kind)
}

func (e *PartitionConfigCastError) Unwrap() error {
	return ErrPartitionConfigCast
}

// PartitionConfigExistsError is returned when a priority is attached twice
type PartitionConfigExistsError struct {
	ChannelID string
	Priority  int
}

func (e *PartitionConfigExistsError) Error() string {
	return fmt.Sprintf("channel %s: partition priority %d already exists", e.ChannelID, e.Priority)
}

func (e *PartitionConfigExistsError) Unwrap() error {
	return ErrPartitionConfigExists
}

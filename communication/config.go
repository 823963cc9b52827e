package communication

import (
	"fmt"
	"time"
)

const (
	DefaultRebuildInterval     = time.Minute
	DefaultRebuildInitialDelay = time.Minute
	DefaultAllowedOverage      = 5
	DefaultPollTimeout         = 30 * time.Second
	DefaultQueueLengthTimeout  = 2 * time.Second
	DefaultEventSourceRetries  = 3
)

// Config controls the container. RetryLimit and EventSourceRetryLimit are
// passed through to the transports and not interpreted here.
type Config struct {
	OriginatorID          string
	RebuildInterval       time.Duration
	RebuildInitialDelay   time.Duration
	AllowedOverage        int
	PollTimeout           time.Duration
	QueueLengthTimeout    time.Duration
	RetryLimit            int
	EventSourceRetryLimit int
}

// DefaultConfig returns the default container settings
func DefaultConfig() Config {
	return Config{
		RebuildInterval:       DefaultRebuildInterval,
		RebuildInitialDelay:   DefaultRebuildInitialDelay,
		AllowedOverage:        DefaultAllowedOverage,
		PollTimeout:           DefaultPollTimeout,
		QueueLengthTimeout:    DefaultQueueLengthTimeout,
		EventSourceRetryLimit: DefaultEventSourceRetries,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if c.RebuildInterval <= 0 {
		return fmt.Errorf("rebuild interval must be positive")
	}
	if c.AllowedOverage < 0 {
		return fmt.Errorf("allowed overage cannot be negative")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive")
	}
	if c.RetryLimit < 0 || c.EventSourceRetryLimit < 0 {
		return fmt.Errorf("retry limits cannot be negative")
	}
	return nil
}

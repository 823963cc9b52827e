package channel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-comms/contracts"
)

// Direction is the flow of messages through a channel
type Direction int

const (
	// Incoming channels are read by listeners
	Incoming Direction = iota
	// Outgoing channels are written by senders
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses "incoming" or "outgoing"
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "incoming", "in":
		return Incoming, nil
	case "outgoing", "out":
		return Outgoing, nil
	default:
		return 0, fmt.Errorf("invalid channel direction %q", s)
	}
}

// ResourceProfile names a shared resource a channel depends on. Clients on
// channels with the same profile are rate limited together by transports
// that support it.
type ResourceProfile struct {
	ID string `yaml:"id"`
}

// Channel is a named routing endpoint
type Channel struct {
	id          string
	direction   Direction
	description string
	internal    bool
	autoCreated bool
	// nil means the service-wide setting applies.
	boundaryLogging *bool
	profiles        []ResourceProfile

	mu         sync.RWMutex
	partitions []PartitionConfig
	pending    []PartitionConfig
	rules      map[string]*redirectEntry
	seq        uint64
	cache      map[contracts.Header]string

	logger *slog.Logger
}

// Option configures a channel
type Option func(*Channel)

// WithDescription sets the channel description
func WithDescription(description string) Option {
	return func(c *Channel) {
		c.description = description
	}
}

// WithInternalOnly marks the channel as only usable inside the service
func WithInternalOnly() Option {
	return func(c *Channel) {
		c.internal = true
	}
}

// WithAutoCreated marks the channel as created implicitly
func WithAutoCreated() Option {
	return func(c *Channel) {
		c.autoCreated = true
	}
}

// WithBoundaryLogging overrides the service-wide boundary logging setting
func WithBoundaryLogging(enabled bool) Option {
	return func(c *Channel) {
		c.boundaryLogging = &enabled
	}
}

// WithResourceProfiles sets the resource profiles
func WithResourceProfiles(profiles ...ResourceProfile) Option {
	return func(c *Channel) {
		c.profiles = append(c.profiles, profiles...)
	}
}

// WithPartitions attaches partition configs at construction time
func WithPartitions(cfgs ...PartitionConfig) Option {
	return func(c *Channel) {
		c.pending = append(c.pending, cfgs...)
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// New creates a channel. Partition configs supplied with WithPartitions are
// validated and a mismatch fails construction.
func New(id string, direction Direction, opts ...Option) (*Channel, error) {
	if id == "" {
		return nil, contracts.ErrMissingChannelID
	}
	if direction != Incoming && direction != Outgoing {
		return nil, fmt.Errorf("channel %s: invalid direction %d", id, int(direction))
	}

	c := &Channel{
		id:        id,
		direction: direction,
		rules:     make(map[string]*redirectEntry),
		cache:     make(map[contracts.Header]string),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	pending := c.pending
	c.pending = nil
	if err := c.AttachPriorityPartitions(pending...); err != nil {
		return nil, err
	}

	return c, nil
}

// ID returns the channel id
func (c *Channel) ID() string { return c.id }

// Direction returns the channel direction
func (c *Channel) Direction() Direction { return c.direction }

// Description returns the channel description
func (c *Channel) Description() string { return c.description }

// InternalOnly reports whether the channel is restricted to the service
func (c *Channel) InternalOnly() bool { return c.internal }

// AutoCreated reports whether the channel was created implicitly
func (c *Channel) AutoCreated() bool { return c.autoCreated }

// BoundaryLogging returns the channel override, if one is set
func (c *Channel) BoundaryLogging() (enabled bool, set bool) {
	if c.boundaryLogging == nil {
		return false, false
	}
	return *c.boundaryLogging, true
}

// ResourceProfiles returns the resource profiles
func (c *Channel) ResourceProfiles() []ResourceProfile {
	out := make([]ResourceProfile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s channel %s", c.direction, c.id)
}

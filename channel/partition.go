package channel

import (
	"sort"
	"time"
)

// PartitionConfig is a priority partition attachable to a channel
type PartitionConfig interface {
	PartitionPriority() int
	Kind() Direction
}

// ListenerPartitionConfig describes one priority partition of an incoming channel
type ListenerPartitionConfig struct {
	Priority int `yaml:"priority"`
	// Weighting multiplies the ordering score of clients on this partition.
	Weighting         float64       `yaml:"weighting"`
	MaxProcessingTime time.Duration `yaml:"maxProcessingTime"`
	// SupportsDeadLetter creates a dead-letter client next to the main client.
	SupportsDeadLetter bool `yaml:"deadLetter"`
}

// DefaultListenerWeighting is used when a partition does not set a weighting
const DefaultListenerWeighting = 1.0

// NewListenerPartitionConfig creates a listener partition with default settings
func NewListenerPartitionConfig(priority int) ListenerPartitionConfig {
	return ListenerPartitionConfig{
		Priority:           priority,
		Weighting:          DefaultListenerWeighting,
		MaxProcessingTime:  time.Minute,
		SupportsDeadLetter: true,
	}
}

func (c ListenerPartitionConfig) PartitionPriority() int { return c.Priority }
func (c ListenerPartitionConfig) Kind() Direction        { return Incoming }

// EffectiveWeighting returns the weighting, substituting the default for unset values
func (c ListenerPartitionConfig) EffectiveWeighting() float64 {
	if c.Weighting <= 0 {
		return DefaultListenerWeighting
	}
	return c.Weighting
}

// SenderPartitionConfig describes one priority partition of an outgoing channel
type SenderPartitionConfig struct {
	Priority int `yaml:"priority"`
	// TTL bounds how long a sent message may wait in the transport. Zero means no limit.
	TTL time.Duration `yaml:"ttl"`
}

// NewSenderPartitionConfig creates a sender partition
func NewSenderPartitionConfig(priority int) SenderPartitionConfig {
	return SenderPartitionConfig{Priority: priority}
}

func (c SenderPartitionConfig) PartitionPriority() int { return c.Priority }
func (c SenderPartitionConfig) Kind() Direction        { return Outgoing }

// ListenerPartitions creates default listener partitions for each priority
func ListenerPartitions(priorities ...int) []PartitionConfig {
	out := make([]PartitionConfig, 0, len(priorities))
	for _, p := range priorities {
		out = append(out, NewListenerPartitionConfig(p))
	}
	return out
}

// SenderPartitions creates sender partitions for each priority
func SenderPartitions(priorities ...int) []PartitionConfig {
	out := make([]PartitionConfig, 0, len(priorities))
	for _, p := range priorities {
		out = append(out, NewSenderPartitionConfig(p))
	}
	return out
}

// AttachPriorityPartition validates and attaches a partition config. The
// config must match the channel direction and its priority must be unused.
func (c *Channel) AttachPriorityPartition(cfg PartitionConfig) error {
	if cfg.Kind() != c.direction {
		return &PartitionConfigCastError{ChannelID: c.id, Direction: c.direction, Kind: cfg.Kind()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.partitions {
		if existing.PartitionPriority() == cfg.PartitionPriority() {
			return &PartitionConfigExistsError{ChannelID: c.id, Priority: cfg.PartitionPriority()}
		}
	}

	c.partitions = append(c.partitions, cfg)
	sort.SliceStable(c.partitions, func(i, j int) bool {
		return c.partitions[i].PartitionPriority() > c.partitions[j].PartitionPriority()
	})
	return nil
}

// AttachPriorityPartitions attaches each config in turn and stops at the first error
func (c *Channel) AttachPriorityPartitions(cfgs ...PartitionConfig) error {
	for _, cfg := range cfgs {
		if err := c.AttachPriorityPartition(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Partitions returns the attached partitions ordered by descending priority
func (c *Channel) Partitions() []PartitionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PartitionConfig, len(c.partitions))
	copy(out, c.partitions)
	return out
}

// ListenerPartitions returns the listener partitions of an incoming channel
func (c *Channel) ListenerPartitions() []ListenerPartitionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ListenerPartitionConfig
	for _, p := range c.partitions {
		if lp, ok := p.(ListenerPartitionConfig); ok {
			out = append(out, lp)
		}
	}
	return out
}

// SenderPartitions returns the sender partitions of an outgoing channel
func (c *Channel) SenderPartitions() []SenderPartitionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []SenderPartitionConfig
	for _, p := range c.partitions {
		if sp, ok := p.(SenderPartitionConfig); ok {
			out = append(out, sp)
		}
	}
	return out
}

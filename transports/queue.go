package transports

import (
	"fmt"
	"strings"
	"time"

	"github.com/glimte/mmate-comms/channel"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter queue
const DeadLetterSuffix = ".dlq"

// QueueName returns the queue of one channel partition
func QueueName(prefix, channelID string, priority int) string {
	return fmt.Sprintf("%s%s.p%d", prefix, strings.ToLower(channelID), priority)
}

// DeadLetterName returns the dead-letter queue of a queue
func DeadLetterName(queue string) string {
	return queue + DeadLetterSuffix
}

// Partition is one pollable queue of an incoming channel
type Partition struct {
	ChannelID         string
	Queue             string
	DeadLetterQueue   string
	Priority          int
	Weighting         float64
	MaxProcessingTime time.Duration
	DeadLetter        bool
}

// ListenerPartitions returns the queues of an incoming channel, dead-letter
// queues included. A channel without partitions listens on priority 1.
func ListenerPartitions(prefix string, ch *channel.Channel) []Partition {
	cfgs := ch.ListenerPartitions()
	if len(cfgs) == 0 {
		cfgs = []channel.ListenerPartitionConfig{channel.NewListenerPartitionConfig(1)}
	}

	var parts []Partition
	for _, cfg := range cfgs {
		queue := QueueName(prefix, ch.ID(), cfg.Priority)
		main := Partition{
			ChannelID:         ch.ID(),
			Queue:             queue,
			Priority:          cfg.Priority,
			Weighting:         cfg.EffectiveWeighting(),
			MaxProcessingTime: cfg.MaxProcessingTime,
		}
		if cfg.SupportsDeadLetter {
			main.DeadLetterQueue = DeadLetterName(queue)
		}
		parts = append(parts, main)

		if cfg.SupportsDeadLetter {
			dl := main
			dl.Queue = main.DeadLetterQueue
			dl.DeadLetter = true
			parts = append(parts, dl)
		}
	}
	return parts
}

// Route is where a sender delivers a message
type Route struct {
	Queue string
	TTL   time.Duration
}

// RouteFor picks the partition of an outgoing channel for a message
// priority: the highest partition not above it, else the lowest. A
// channel without partitions routes to priority 1.
func RouteFor(prefix string, ch *channel.Channel, priority int) Route {
	cfgs := ch.SenderPartitions()
	if len(cfgs) == 0 {
		return Route{Queue: QueueName(prefix, ch.ID(), 1)}
	}

	// cfgs are ordered by descending priority.
	chosen := cfgs[len(cfgs)-1]
	for _, cfg := range cfgs {
		if cfg.Priority <= priority {
			chosen = cfg
			break
		}
	}
	return Route{Queue: QueueName(prefix, ch.ID(), chosen.Priority), TTL: chosen.TTL}
}

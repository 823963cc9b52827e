package redislist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/transports"
	"github.com/redis/go-redis/v9"
)

// Sender pushes outbound messages onto Redis lists. Partition TTLs are not
// applied; list entries cannot expire individually.
type Sender struct {
	name     string
	rdb      redis.UniversalClient
	prefix   string
	channels map[string]*channel.Channel
	logger   *slog.Logger
}

// NewSender creates a sender for the outgoing channels
func NewSender(name string, rdb redis.UniversalClient, channels []*channel.Channel, opts ...Option) (*Sender, error) {
	if rdb == nil {
		return nil, fmt.Errorf("sender %s: redis client is required", name)
	}
	byID := make(map[string]*channel.Channel, len(channels))
	for _, ch := range channels {
		if ch.Direction() != channel.Outgoing {
			return nil, fmt.Errorf("sender %s: channel %s is not outgoing", name, ch.ID())
		}
		byID[strings.ToLower(ch.ID())] = ch
	}

	o := buildOptions(opts)
	return &Sender{
		name:     name,
		rdb:      rdb,
		prefix:   o.prefix,
		channels: byID,
		logger:   o.logger,
	}, nil
}

var _ communication.Sender = (*Sender)(nil)

func (s *Sender) Name() string { return s.name }

// SetLogger implements communication.LoggerConsumer
func (s *Sender) SetLogger(logger *slog.Logger) { s.logger = logger }

// Start verifies the connection
func (s *Sender) Start(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("sender %s: %w", s.name, err)
	}
	return nil
}

func (s *Sender) Stop(context.Context) error { return nil }

func (s *Sender) SupportsChannel(channelID string) bool {
	_, ok := s.channels[strings.ToLower(channelID)]
	return ok
}

// ProcessMessage pushes the message onto the partition list chosen by its priority
func (s *Sender) ProcessMessage(ctx context.Context, payload *contracts.Payload) error {
	msg := payload.Message
	ch, ok := s.channels[strings.ToLower(msg.Header.ChannelID)]
	if !ok {
		return fmt.Errorf("sender %s: %w: %s", s.name, channel.ErrChannelNotFound, msg.Header.ChannelID)
	}

	data, err := contracts.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("sender %s: %w", s.name, err)
	}

	route := transports.RouteFor(s.prefix, ch, msg.ChannelPriority)
	if err := s.rdb.LPush(ctx, route.Queue, data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", route.Queue, err)
	}

	s.logger.Debug("Message pushed", "sender", s.name, "queue", route.Queue, "messageId", msg.ID)
	return nil
}

package natscore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/transports"
	"github.com/nats-io/nats.go"
)

// Sender publishes outbound messages to partition subjects. Partition TTLs
// are not applied.
type Sender struct {
	name     string
	nc       *nats.Conn
	prefix   string
	channels map[string]*channel.Channel
	logger   *slog.Logger
}

// NewSender creates a sender for the outgoing channels
func NewSender(name string, nc *nats.Conn, channels []*channel.Channel, opts ...Option) (*Sender, error) {
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
		nc:       nc,
		prefix:   o.prefix,
		channels: byID,
		logger:   o.logger,
	}, nil
}

var _ communication.Sender = (*Sender)(nil)

func (s *Sender) Name() string                { return s.name }
func (s *Sender) Start(context.Context) error { return nil }

// Stop flushes buffered publishes
func (s *Sender) Stop(context.Context) error {
	if s.nc.IsClosed() {
		return nil
	}
	return s.nc.Flush()
}

// SetLogger implements communication.LoggerConsumer
func (s *Sender) SetLogger(logger *slog.Logger) { s.logger = logger }

func (s *Sender) SupportsChannel(channelID string) bool {
	_, ok := s.channels[strings.ToLower(channelID)]
	return ok
}

// ProcessMessage publishes the message on the subject chosen by its priority
func (s *Sender) ProcessMessage(ctx context.Context, payload *contracts.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

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
	if err := s.nc.PublishMsg(newMsg(route.Queue, msg.ID, data)); err != nil {
		return fmt.Errorf("sender %s: publish %s: %w", s.name, route.Queue, err)
	}

	s.logger.Debug("Message published", "sender", s.name, "subject", route.Queue, "messageId", msg.ID)
	return nil
}

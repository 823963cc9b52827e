package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/transports"
)

// Sender writes outbound messages to broker queues
type Sender struct {
	name     string
	broker   *Broker
	prefix   string
	channels map[string]*channel.Channel
	logger   *slog.Logger
}

// NewSender creates a sender for the outgoing channels
func NewSender(name string, broker *Broker, channels []*channel.Channel, opts ...Option) (*Sender, error) {
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
		broker:   broker,
		prefix:   o.prefix,
		channels: byID,
		logger:   o.logger,
	}, nil
}

var _ communication.Sender = (*Sender)(nil)

func (s *Sender) Name() string                { return s.name }
func (s *Sender) Start(context.Context) error { return nil }
func (s *Sender) Stop(context.Context) error  { return nil }

// SetLogger implements communication.LoggerConsumer
func (s *Sender) SetLogger(logger *slog.Logger) { s.logger = logger }

func (s *Sender) SupportsChannel(channelID string) bool {
	_, ok := s.channels[strings.ToLower(channelID)]
	return ok
}

// ProcessMessage queues the message on the partition chosen by its priority
func (s *Sender) ProcessMessage(_ context.Context, payload *contracts.Payload) error {
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
	s.broker.Push(route.Queue, data)
	s.logger.Debug("Message queued", "sender", s.name, "queue", route.Queue, "messageId", msg.ID)
	return nil
}

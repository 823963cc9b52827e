package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/internal/rabbitmq"
	"github.com/glimte/mmate-comms/transports"
)

// Sender publishes outbound messages to partition queues through the
// default exchange. Queues are declared by the receiving listener.
type Sender struct {
	name     string
	session  *session
	prefix   string
	channels map[string]*channel.Channel
	logger   *slog.Logger
}

// NewSender creates a sender for the outgoing channels
func NewSender(name string, provider rabbitmq.ChannelProvider, channels []*channel.Channel, opts ...Option) (*Sender, error) {
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
		session:  &session{provider: provider},
		prefix:   o.prefix,
		channels: byID,
		logger:   o.logger,
	}, nil
}

var _ communication.Sender = (*Sender)(nil)

func (s *Sender) Name() string                { return s.name }
func (s *Sender) Start(context.Context) error { return nil }

// Stop closes the channel
func (s *Sender) Stop(context.Context) error { return s.session.close() }

// SetLogger implements communication.LoggerConsumer
func (s *Sender) SetLogger(logger *slog.Logger) { s.logger = logger }

func (s *Sender) SupportsChannel(channelID string) bool {
	_, ok := s.channels[strings.ToLower(channelID)]
	return ok
}

// ProcessMessage publishes the message to the partition chosen by its
// priority. The partition TTL becomes the per-message expiration.
func (s *Sender) ProcessMessage(ctx context.Context, payload *contracts.Payload) error {
	msg := payload.Message
	ch, ok := s.channels[strings.ToLower(msg.Header.ChannelID)]
	if !ok {
		return fmt.Errorf("sender %s: %w: %s", s.name, channel.ErrChannelNotFound, msg.Header.ChannelID)
	}

	body, err := contracts.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("sender %s: %w", s.name, err)
	}

	route := transports.RouteFor(s.prefix, ch, msg.ChannelPriority)
	err = s.session.do(func(c rabbitmq.Channel) error {
		return c.PublishWithContext(ctx, "", route.Queue, false, false, publishing(msg, body, route.TTL))
	})
	if err != nil {
		return &rabbitmq.PublishError{RoutingKey: route.Queue, Err: err, Timestamp: time.Now()}
	}

	s.logger.Debug("Message published", "sender", s.name, "queue", route.Queue, "messageId", msg.ID)
	return nil
}

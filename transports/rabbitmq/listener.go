package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/internal/rabbitmq"
	"github.com/glimte/mmate-comms/transports"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Listener polls the partition queues of incoming channels. It owns the
// queue topology and declares every queue on Start.
type Listener struct {
	name       string
	session    *session
	prefix     string
	channels   []*channel.Channel
	retryLimit int
	logger     *slog.Logger

	sub     *transports.Subscription
	mu      sync.RWMutex
	clients []communication.ListenerClient
}

// NewListener creates a listener for the incoming channels
func NewListener(name string, provider rabbitmq.ChannelProvider, channels []*channel.Channel, opts ...Option) (*Listener, error) {
	for _, ch := range channels {
		if ch.Direction() != channel.Incoming {
			return nil, fmt.Errorf("listener %s: channel %s is not incoming", name, ch.ID())
		}
	}

	o := buildOptions(opts)
	return &Listener{
		name:       name,
		session:    &session{provider: provider},
		prefix:     o.prefix,
		channels:   channels,
		retryLimit: o.retryLimit,
		logger:     o.logger,
		sub:        transports.NewSubscription(),
	}, nil
}

var _ communication.Listener = (*Listener)(nil)

func (l *Listener) Name() string { return l.name }

// SetLogger implements communication.LoggerConsumer
func (l *Listener) SetLogger(logger *slog.Logger) { l.logger = logger }

// Start declares the partition queues and creates one client per queue
func (l *Listener) Start(context.Context) error {
	var (
		decls   []rabbitmq.QueueDeclaration
		clients []communication.ListenerClient
	)
	for _, ch := range l.channels {
		for _, p := range transports.ListenerPartitions(l.prefix, ch) {
			decl := rabbitmq.QueueDeclaration{Name: p.Queue}
			if !p.DeadLetter {
				decl.DeadLetterQueue = p.DeadLetterQueue
			}
			decls = append(decls, decl)
			clients = append(clients, &client{
				ClientInfo: transports.NewClientInfo(l.name, p),
				listener:   l,
			})
		}
	}

	err := l.session.do(func(ch rabbitmq.Channel) error {
		return rabbitmq.DeclareQueues(ch, decls...)
	})
	if err != nil {
		return fmt.Errorf("listener %s: %w", l.name, err)
	}

	l.mu.Lock()
	l.clients = clients
	l.mu.Unlock()
	return nil
}

// Stop drops the clients and closes the channel. Unsettled deliveries
// return to their queues.
func (l *Listener) Stop(context.Context) error {
	l.mu.Lock()
	l.clients = nil
	l.mu.Unlock()
	return l.session.close()
}

func (l *Listener) Clients() []communication.ListenerClient {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]communication.ListenerClient(nil), l.clients...)
}

// Update implements communication.Listener
func (l *Listener) Update(filters []contracts.MessageFilter) error {
	l.sub.Update(filters)
	return nil
}

type client struct {
	transports.ClientInfo
	listener *Listener
}

func (c *client) Poll(_ context.Context, max int) ([]*contracts.Payload, error) {
	if !c.listener.sub.Active(c.ChannelID()) {
		return nil, nil
	}

	var deliveries []amqp.Delivery
	err := c.listener.session.do(func(ch rabbitmq.Channel) error {
		for len(deliveries) < max {
			d, ok, err := ch.Get(c.Partition.Queue, false)
			if err != nil {
				return &rabbitmq.QueueError{Queue: c.Partition.Queue, Op: "get", Err: err}
			}
			if !ok {
				return nil
			}
			deliveries = append(deliveries, d)
		}
		return nil
	})

	var payloads []*contracts.Payload
	for _, d := range deliveries {
		msg, decodeErr := contracts.DecodeMessage(d.Body)
		if decodeErr != nil {
			c.listener.logger.Error("Rejecting undecodable message",
				"queue", c.Partition.Queue,
				"error", decodeErr)
			d.Nack(false, false)
			continue
		}
		payloads = append(payloads, transports.NewDelivery(c.ClientInfo, msg, c.listener.retryLimit, c.settle(d)))
	}
	return payloads, err
}

// settle republishes a requeued or dead-lettered message with its new
// delivery count, then acknowledges the original
func (c *client) settle(d amqp.Delivery) transports.SettleFunc {
	return func(outcome transports.Outcome, msg *contracts.Message) {
		logger := c.listener.logger
		if target := transports.Target(c.Partition, outcome); target != "" {
			body, err := contracts.EncodeMessage(msg)
			if err == nil {
				err = c.listener.session.do(func(ch rabbitmq.Channel) error {
					return ch.PublishWithContext(context.Background(), "", target, false, false, publishing(msg, body, 0))
				})
			}
			if err != nil {
				logger.Error("Settle republish failed, returning message to broker",
					"queue", c.Partition.Queue,
					"outcome", outcome.String(),
					"messageId", msg.ID,
					"error", err)
				d.Nack(false, true)
				return
			}
		}

		if outcome == transports.Discard {
			logger.Warn("Discarding failed message", "queue", c.Partition.Queue, "messageId", msg.ID)
		}
		if err := d.Ack(false); err != nil {
			logger.Error("Ack failed", "queue", c.Partition.Queue, "messageId", msg.ID, "error", err)
		}
	}
}

func (c *client) Release(bool) {}

func (c *client) QueueLength(context.Context) (int64, error) {
	var n int
	err := c.listener.session.do(func(ch rabbitmq.Channel) error {
		var err error
		n, err = rabbitmq.QueueLength(ch, c.Partition.Queue)
		return err
	})
	return int64(n), err
}

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/transports"
)

// Listener polls broker queues of incoming channels
type Listener struct {
	name       string
	broker     *Broker
	prefix     string
	channels   []*channel.Channel
	retryLimit int
	logger     *slog.Logger

	sub     *transports.Subscription
	mu      sync.RWMutex
	clients []communication.ListenerClient
}

// Option configures a Listener or Sender
type Option func(*options)

type options struct {
	prefix     string
	retryLimit int
	logger     *slog.Logger
}

// WithQueuePrefix prefixes every queue name
func WithQueuePrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithRetryLimit sets the redeliveries of a failed message
func WithRetryLimit(limit int) Option {
	return func(o *options) {
		o.retryLimit = limit
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{
		retryLimit: transports.DefaultRetryLimit,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewListener creates a listener for the incoming channels
func NewListener(name string, broker *Broker, channels []*channel.Channel, opts ...Option) (*Listener, error) {
	for _, ch := range channels {
		if ch.Direction() != channel.Incoming {
			return nil, fmt.Errorf("listener %s: channel %s is not incoming", name, ch.ID())
		}
	}

	o := buildOptions(opts)
	return &Listener{
		name:       name,
		broker:     broker,
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

// Start creates one client per partition queue
func (l *Listener) Start(context.Context) error {
	var clients []communication.ListenerClient
	for _, ch := range l.channels {
		for _, p := range transports.ListenerPartitions(l.prefix, ch) {
			clients = append(clients, &client{
				ClientInfo: transports.NewClientInfo(l.name, p),
				listener:   l,
			})
		}
	}

	l.mu.Lock()
	l.clients = clients
	l.mu.Unlock()
	return nil
}

// Stop drops the clients. Queued data stays in the broker.
func (l *Listener) Stop(context.Context) error {
	l.mu.Lock()
	l.clients = nil
	l.mu.Unlock()
	return nil
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

	var payloads []*contracts.Payload
	for _, data := range c.listener.broker.Pop(c.Partition.Queue, max) {
		msg, err := contracts.DecodeMessage(data)
		if err != nil {
			c.listener.logger.Error("Dropping undecodable message",
				"queue", c.Partition.Queue,
				"error", err)
			continue
		}
		payloads = append(payloads, transports.NewDelivery(c.ClientInfo, msg, c.listener.retryLimit, c.settle))
	}
	return payloads, nil
}

func (c *client) settle(outcome transports.Outcome, msg *contracts.Message) {
	target := transports.Target(c.Partition, outcome)
	if target == "" {
		if outcome == transports.Discard {
			c.listener.logger.Warn("Discarding failed message", "queue", c.Partition.Queue, "messageId", msg.ID)
		}
		return
	}

	data, err := contracts.EncodeMessage(msg)
	if err != nil {
		c.listener.logger.Error("Settle encode failed", "messageId", msg.ID, "error", err)
		return
	}
	c.listener.broker.Push(target, data)
}

func (c *client) Release(bool) {}

func (c *client) QueueLength(context.Context) (int64, error) {
	return int64(c.listener.broker.Len(c.Partition.Queue)), nil
}

package natscore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/transports"
	"github.com/nats-io/nats.go"
)

// Listener receives the partition subjects of incoming channels
type Listener struct {
	name        string
	nc          *nats.Conn
	prefix      string
	group       string
	channels    []*channel.Channel
	retryLimit  int
	pollTimeout time.Duration
	logger      *slog.Logger

	sub     *transports.Subscription
	mu      sync.RWMutex
	clients []*client
}

// NewListener creates a listener for the incoming channels
func NewListener(name string, nc *nats.Conn, channels []*channel.Channel, opts ...Option) (*Listener, error) {
	for _, ch := range channels {
		if ch.Direction() != channel.Incoming {
			return nil, fmt.Errorf("listener %s: channel %s is not incoming", name, ch.ID())
		}
	}

	o := buildOptions(opts)
	group := o.queueGroup
	if group == "" {
		group = name
	}
	return &Listener{
		name:        name,
		nc:          nc,
		prefix:      o.prefix,
		group:       group,
		channels:    channels,
		retryLimit:  o.retryLimit,
		pollTimeout: o.pollTimeout,
		logger:      o.logger,
		sub:         transports.NewSubscription(),
	}, nil
}

var _ communication.Listener = (*Listener)(nil)

func (l *Listener) Name() string { return l.name }

// SetLogger implements communication.LoggerConsumer
func (l *Listener) SetLogger(logger *slog.Logger) { l.logger = logger }

// Start subscribes one client per partition subject
func (l *Listener) Start(context.Context) error {
	var clients []*client
	for _, ch := range l.channels {
		for _, p := range transports.ListenerPartitions(l.prefix, ch) {
			sub, err := l.nc.QueueSubscribeSync(p.Queue, l.group)
			if err != nil {
				unsubscribe(clients)
				return fmt.Errorf("listener %s: subscribe %s: %w", l.name, p.Queue, err)
			}
			clients = append(clients, &client{
				ClientInfo: transports.NewClientInfo(l.name, p),
				listener:   l,
				sub:        sub,
			})
		}
	}

	if err := l.nc.Flush(); err != nil {
		unsubscribe(clients)
		return fmt.Errorf("listener %s: %w", l.name, err)
	}

	l.mu.Lock()
	old := l.clients
	l.clients = clients
	l.mu.Unlock()
	unsubscribe(old)
	return nil
}

// Stop unsubscribes every client. Messages still buffered are lost.
func (l *Listener) Stop(context.Context) error {
	l.mu.Lock()
	old := l.clients
	l.clients = nil
	l.mu.Unlock()
	unsubscribe(old)
	return nil
}

func unsubscribe(clients []*client) {
	for _, c := range clients {
		c.sub.Unsubscribe()
	}
}

func (l *Listener) Clients() []communication.ListenerClient {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]communication.ListenerClient, len(l.clients))
	for i, c := range l.clients {
		out[i] = c
	}
	return out
}

// Update implements communication.Listener
func (l *Listener) Update(filters []contracts.MessageFilter) error {
	l.sub.Update(filters)
	return nil
}

type client struct {
	transports.ClientInfo
	listener *Listener
	sub      *nats.Subscription
}

// Poll drains up to max buffered messages. An unsubscribed channel leaves
// its messages buffered.
func (c *client) Poll(ctx context.Context, max int) ([]*contracts.Payload, error) {
	if !c.listener.sub.Active(c.ChannelID()) {
		return nil, nil
	}

	pending, _, err := c.sub.Pending()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	if pending == 0 {
		return nil, nil
	}

	var payloads []*contracts.Payload
	for len(payloads) < max && ctx.Err() == nil {
		m, err := c.sub.NextMsg(c.listener.pollTimeout)
		if errors.Is(err, nats.ErrTimeout) {
			break
		}
		if err != nil {
			return payloads, fmt.Errorf("%s: %w", c.Name(), err)
		}

		msg, err := contracts.DecodeMessage(m.Data)
		if err != nil {
			c.listener.logger.Error("Dropping undecodable message",
				"subject", m.Subject,
				"error", err)
			continue
		}
		payloads = append(payloads, transports.NewDelivery(c.ClientInfo, msg, c.listener.retryLimit, c.settle))
	}
	return payloads, nil
}

func (c *client) settle(outcome transports.Outcome, msg *contracts.Message) {
	logger := c.listener.logger
	target := transports.Target(c.Partition, outcome)
	if target == "" {
		if outcome == transports.Discard {
			logger.Warn("Discarding failed message", "subject", c.Partition.Queue, "messageId", msg.ID)
		}
		return
	}

	data, err := contracts.EncodeMessage(msg)
	if err == nil {
		err = c.listener.nc.PublishMsg(newMsg(target, msg.ID, data))
	}
	if err != nil {
		logger.Error("Settle republish failed", "subject", target, "messageId", msg.ID, "error", err)
	}
}

func (c *client) Release(bool) {}

// QueueLength reports the messages buffered for this client
func (c *client) QueueLength(context.Context) (int64, error) {
	n, _, err := c.sub.Pending()
	return int64(n), err
}

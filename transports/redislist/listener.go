package redislist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/transports"
	"github.com/redis/go-redis/v9"
)

// Listener polls the Redis lists of incoming channels
type Listener struct {
	name       string
	rdb        redis.UniversalClient
	prefix     string
	channels   []*channel.Channel
	retryLimit int
	logger     *slog.Logger

	sub     *transports.Subscription
	mu      sync.RWMutex
	clients []communication.ListenerClient
}

// NewListener creates a listener for the incoming channels
func NewListener(name string, rdb redis.UniversalClient, channels []*channel.Channel, opts ...Option) (*Listener, error) {
	if rdb == nil {
		return nil, fmt.Errorf("listener %s: redis client is required", name)
	}
	for _, ch := range channels {
		if ch.Direction() != channel.Incoming {
			return nil, fmt.Errorf("listener %s: channel %s is not incoming", name, ch.ID())
		}
	}

	o := buildOptions(opts)
	return &Listener{
		name:       name,
		rdb:        rdb,
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

// Start verifies the connection and creates one client per partition list.
// Messages left unsettled by a previous listener with the same name are
// moved back onto their partition list.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("listener %s: %w", l.name, err)
	}

	var clients []communication.ListenerClient
	for _, ch := range l.channels {
		for _, p := range transports.ListenerPartitions(l.prefix, ch) {
			c := &client{
				ClientInfo: transports.NewClientInfo(l.name, p),
				listener:   l,
			}
			recovered, err := c.restore(ctx)
			if err != nil {
				return fmt.Errorf("listener %s: %w", l.name, err)
			}
			if recovered > 0 {
				l.logger.Warn("Recovered unsettled messages", "queue", p.Queue, "count", recovered)
			}
			clients = append(clients, c)
		}
	}

	l.mu.Lock()
	l.clients = clients
	l.mu.Unlock()

	l.logger.Info("Redis listener started", "listener", l.name, "clients", len(clients))
	return nil
}

// Stop drops the clients. The Redis client is owned by the caller.
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

// processing is the list holding messages polled but not yet settled
func (c *client) processing() string {
	return c.Partition.Queue + ":processing:" + c.listener.name
}

// Poll moves messages from the partition list onto the processing list, so
// a message survives a crash between poll and settle.
func (c *client) Poll(ctx context.Context, max int) ([]*contracts.Payload, error) {
	if !c.listener.sub.Active(c.ChannelID()) {
		return nil, nil
	}

	var payloads []*contracts.Payload
	for len(payloads) < max {
		data, err := c.listener.rdb.LMove(ctx, c.Partition.Queue, c.processing(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return payloads, fmt.Errorf("poll %s: %w", c.Partition.Queue, err)
		}

		msg, err := contracts.DecodeMessage([]byte(data))
		if err != nil {
			c.listener.logger.Error("Dropping undecodable message",
				"queue", c.Partition.Queue,
				"error", err)
			c.listener.rdb.LRem(ctx, c.processing(), 1, data)
			continue
		}
		settle := func(outcome transports.Outcome, msg *contracts.Message) {
			c.settle(outcome, msg, data)
		}
		payloads = append(payloads, transports.NewDelivery(c.ClientInfo, msg, c.listener.retryLimit, settle))
	}
	return payloads, nil
}

// settle pushes msg to the list its outcome names and drops the polled
// entry from the processing list in one transaction
func (c *client) settle(outcome transports.Outcome, msg *contracts.Message, polled string) {
	target := transports.Target(c.Partition, outcome)
	if target == "" && outcome == transports.Discard {
		c.listener.logger.Warn("Discarding failed message", "queue", c.Partition.Queue, "messageId", msg.ID)
	}

	var data []byte
	if target != "" {
		var err error
		if data, err = contracts.EncodeMessage(msg); err != nil {
			c.listener.logger.Error("Settle encode failed", "messageId", msg.ID, "error", err)
			return
		}
	}

	ctx := context.Background()
	_, err := c.listener.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Requeued messages go to the tail so they are polled next.
		switch {
		case target == "":
		case outcome == transports.Requeue:
			pipe.RPush(ctx, target, data)
		default:
			pipe.LPush(ctx, target, data)
		}
		pipe.LRem(ctx, c.processing(), 1, polled)
		return nil
	})
	if err != nil {
		c.listener.logger.Error("Settle failed",
			"queue", c.Partition.Queue,
			"target", target,
			"outcome", outcome.String(),
			"messageId", msg.ID,
			"error", err)
	}
}

// restore returns messages a previous run left on the processing list to
// the partition list, oldest nearest the tail
func (c *client) restore(ctx context.Context) (int, error) {
	n := 0
	for {
		err := c.listener.rdb.LMove(ctx, c.processing(), c.Partition.Queue, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", c.processing(), err)
		}
		n++
	}
}

func (c *client) Release(bool) {}

func (c *client) QueueLength(ctx context.Context) (int64, error) {
	return c.listener.rdb.LLen(ctx, c.Partition.Queue).Result()
}

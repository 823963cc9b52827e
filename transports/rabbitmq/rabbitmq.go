// Package rabbitmq is the AMQP transport. Every partition is a durable queue
// on the default exchange; clients poll with basic.get and settle each
// delivery when its payload is signalled.
package rabbitmq

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/internal/rabbitmq"
	"github.com/glimte/mmate-comms/transports"
	amqp "github.com/rabbitmq/amqp091-go"
)

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

// session holds one AMQP channel, reopened after a channel-level error
type session struct {
	provider rabbitmq.ChannelProvider
	mu       sync.Mutex
	ch       rabbitmq.Channel
}

func (s *session) do(fn func(rabbitmq.Channel) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		ch, err := s.provider.Channel()
		if err != nil {
			return err
		}
		s.ch = ch
	}

	err := fn(s.ch)
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		// The broker closes the channel on any channel exception.
		s.ch.Close()
		s.ch = nil
	}
	return err
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	return err
}

func publishing(msg *contracts.Message, body []byte, ttl time.Duration) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationKey,
		Timestamp:     time.Now(),
		Type:          msg.Header.String(),
		Body:          body,
	}
	if ttl > 0 {
		p.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return p
}

// Package natscore is the core NATS transport. Every partition is a subject
// and listeners join it as a queue group, so one member of the group gets
// each message. Core NATS keeps nothing for absent subscribers; a message
// published while no listener is subscribed is lost.
package natscore

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-comms/transports"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix namespaces the partition subjects
const DefaultSubjectPrefix = "comms."

// HeaderMessageID carries the message id on every published message
const HeaderMessageID = "Comms-Message-Id"

// Connect dials the server with the options used by the daemon
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// Option configures a Listener or Sender
type Option func(*options)

type options struct {
	prefix      string
	retryLimit  int
	queueGroup  string
	pollTimeout time.Duration
	logger      *slog.Logger
}

// WithSubjectPrefix sets the subject prefix
func WithSubjectPrefix(prefix string) Option {
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

// WithQueueGroup sets the queue group listeners join. Defaults to the
// listener name.
func WithQueueGroup(group string) Option {
	return func(o *options) {
		o.queueGroup = group
	}
}

// WithPollTimeout bounds the wait for each further message within one poll
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		o.pollTimeout = d
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
		prefix:      DefaultSubjectPrefix,
		retryLimit:  transports.DefaultRetryLimit,
		pollTimeout: 5 * time.Millisecond,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newMsg(subject, id string, data []byte) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Header.Set(HeaderMessageID, id)
	m.Data = data
	return m
}

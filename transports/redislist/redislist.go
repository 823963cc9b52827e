// Package redislist is a list-backed transport. Every partition queue is a
// Redis list; senders LPUSH encoded envelopes and clients LMOVE them onto a
// per-listener processing list until they are settled.
package redislist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-comms/transports"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the queue keys
const DefaultKeyPrefix = "comms:"

// NewClient parses a redis:// URL and connects
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Option configures a Listener or Sender
type Option func(*options)

type options struct {
	prefix     string
	retryLimit int
	logger     *slog.Logger
}

// WithKeyPrefix sets the queue key prefix
func WithKeyPrefix(prefix string) Option {
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
		prefix:     DefaultKeyPrefix,
		retryLimit: transports.DefaultRetryLimit,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

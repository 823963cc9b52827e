// Package config loads the daemon configuration from the environment and
// the channel topology from YAML.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/priority"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "COMMS"

// Config holds the service configuration
type Config struct {
	ServiceName  string `envconfig:"SERVICE_NAME" default:"mmate-comms"`
	OriginatorID string `envconfig:"ORIGINATOR_ID"`

	// Priority rebuild
	RebuildInterval     time.Duration `envconfig:"REBUILD_INTERVAL" default:"1m"`
	RebuildInitialDelay time.Duration `envconfig:"REBUILD_INITIAL_DELAY" default:"1m"`
	Policy              string        `envconfig:"POLICY" default:"default"`
	MaxSlotsPerClient   int           `envconfig:"MAX_SLOTS_PER_CLIENT" default:"0"`

	// Draining
	AllowedOverage     int           `envconfig:"ALLOWED_OVERAGE" default:"5"`
	MaxConcurrentTasks int           `envconfig:"MAX_CONCURRENT_TASKS" default:"16"`
	OfferInterval      time.Duration `envconfig:"OFFER_INTERVAL" default:"100ms"`
	PollTimeout        time.Duration `envconfig:"POLL_TIMEOUT" default:"30s"`
	TraceEnabled       bool          `envconfig:"TRACE_ENABLED" default:"false"`

	// Passed through to the transports
	RetryLimit            int `envconfig:"RETRY_LIMIT" default:"3"`
	EventSourceRetryLimit int `envconfig:"EVENT_SOURCE_RETRY_LIMIT" default:"3"`

	// Transports; an empty URL disables the transport.
	RedisURL string `envconfig:"REDIS_URL"`
	AMQPURL  string `envconfig:"AMQP_URL"`
	NATSURL  string `envconfig:"NATS_URL"`

	MetricsAddr  string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	TopologyFile string `envconfig:"TOPOLOGY_FILE"`
}

// Load reads the configuration from COMMS_* environment variables
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.OriginatorID == "" {
		c.OriginatorID = c.ServiceName
	}
	return &c, nil
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("COMMS_SERVICE_NAME is required")
	}
	if c.RebuildInterval <= 0 {
		return fmt.Errorf("COMMS_REBUILD_INTERVAL must be positive")
	}
	if c.RebuildInitialDelay < 0 {
		return fmt.Errorf("COMMS_REBUILD_INITIAL_DELAY cannot be negative")
	}
	if c.AllowedOverage < 0 {
		return fmt.Errorf("COMMS_ALLOWED_OVERAGE cannot be negative")
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("COMMS_MAX_CONCURRENT_TASKS must be positive")
	}
	if c.OfferInterval <= 0 {
		return fmt.Errorf("COMMS_OFFER_INTERVAL must be positive")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("COMMS_POLL_TIMEOUT must be positive")
	}
	if c.RetryLimit < 0 || c.EventSourceRetryLimit < 0 {
		return fmt.Errorf("retry limits cannot be negative")
	}
	if _, err := priority.PolicyByName(c.Policy, c.MaxSlotsPerClient); err != nil {
		return fmt.Errorf("COMMS_POLICY: %w", err)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Communication returns the container settings
func (c *Config) Communication() communication.Config {
	cfg := communication.DefaultConfig()
	cfg.OriginatorID = c.OriginatorID
	cfg.RebuildInterval = c.RebuildInterval
	cfg.RebuildInitialDelay = c.RebuildInitialDelay
	cfg.AllowedOverage = c.AllowedOverage
	cfg.PollTimeout = c.PollTimeout
	cfg.RetryLimit = c.RetryLimit
	cfg.EventSourceRetryLimit = c.EventSourceRetryLimit
	return cfg
}

// PriorityPolicy returns the configured allocation policy
func (c *Config) PriorityPolicy() (priority.Policy, error) {
	return priority.PolicyByName(c.Policy, c.MaxSlotsPerClient)
}

// SlogLevel parses LogLevel
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("COMMS_LOG_LEVEL: %w", err)
	}
	return level, nil
}

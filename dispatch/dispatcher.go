package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-comms/contracts"
)

// ExecuteFunc is the execute-or-enqueue action of the owning service
type ExecuteFunc func(ctx context.Context, payload *contracts.Payload) error

// Contract is a package that knows its own route
type Contract interface {
	Header() contracts.Header
}

// Dispatcher injects messages directly into the service, bypassing the
// listeners.
type Dispatcher struct {
	name       string
	execute    ExecuteFunc
	running    func() bool
	serializer contracts.Serializer
	trace      bool
	logger     *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithSerializer sets the serializer used for packages
func WithSerializer(serializer contracts.Serializer) DispatcherOption {
	return func(d *Dispatcher) {
		d.serializer = serializer
	}
}

// WithTrace enables payload tracing
func WithTrace(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.trace = enabled
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher. running reports whether the owning
// service accepts messages.
func NewDispatcher(name string, execute ExecuteFunc, running func() bool, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		name:    name,
		execute: execute,
		running: running,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// SetSerializer sets the serializer after construction
func (d *Dispatcher) SetSerializer(serializer contracts.Serializer) {
	d.serializer = serializer
}

type processConfig struct {
	priority         int
	routing          contracts.ProcessOptions
	release          contracts.ReleaseFunc
	originator       string
	response         *contracts.Header
	responsePriority int
	correlationKey   string
}

// ProcessOption configures an injected message
type ProcessOption func(*processConfig)

// WithPriority sets the channel priority
func WithPriority(priority int) ProcessOption {
	return func(c *processConfig) {
		c.priority = priority
	}
}

// WithRouting sets where the payload may be routed
func WithRouting(options contracts.ProcessOptions) ProcessOption {
	return func(c *processConfig) {
		c.routing = options
	}
}

// WithRelease sets a callback fired once when the payload completes
func WithRelease(release contracts.ReleaseFunc) ProcessOption {
	return func(c *processConfig) {
		c.release = release
	}
}

// WithOriginator sets the originator service id
func WithOriginator(originatorID string) ProcessOption {
	return func(c *processConfig) {
		c.originator = originatorID
	}
}

// WithResponse sets the header and channel priority of the response
func WithResponse(header contracts.Header, priority int) ProcessOption {
	return func(c *processConfig) {
		h := header
		c.response = &h
		c.responsePriority = priority
	}
}

// WithCorrelation sets the correlation key
func WithCorrelation(key string) ProcessOption {
	return func(c *processConfig) {
		c.correlationKey = key
	}
}

func newProcessConfig(options []ProcessOption) processConfig {
	cfg := processConfig{
		priority: contracts.DefaultChannelPriority,
		routing:  contracts.DefaultProcessOptions,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// Process injects a message for the header. A non-nil package is
// serialized into the body; a []byte package is used as is.
func (d *Dispatcher) Process(ctx context.Context, header contracts.Header, pkg any, options ...ProcessOption) error {
	cfg := newProcessConfig(options)

	msgOpts := []contracts.MessageOption{contracts.WithChannelPriority(cfg.priority)}
	if cfg.originator != "" {
		msgOpts = append(msgOpts, contracts.WithOriginator(cfg.originator))
	}
	if cfg.response != nil {
		msgOpts = append(msgOpts, contracts.WithResponseHeader(*cfg.response, cfg.responsePriority))
	}
	if cfg.correlationKey != "" {
		msgOpts = append(msgOpts, contracts.WithCorrelationKey(cfg.correlationKey))
	}

	if pkg != nil {
		body, err := d.serialize(pkg)
		if err != nil {
			return fmt.Errorf("failed to serialize package for %s: %w", header, err)
		}
		msgOpts = append(msgOpts, contracts.WithBody(body))
	}

	return d.processMessage(ctx, contracts.NewMessage(header, msgOpts...), cfg)
}

// ProcessChannel injects a message for the channel, message type and action
func (d *Dispatcher) ProcessChannel(ctx context.Context, channelID, messageType, actionType string, pkg any, options ...ProcessOption) error {
	return d.Process(ctx, contracts.NewHeader(channelID, messageType, actionType), pkg, options...)
}

// ProcessContract injects the contract, routed by its own header
func (d *Dispatcher) ProcessContract(ctx context.Context, contract Contract, options ...ProcessOption) error {
	if contract == nil {
		return fmt.Errorf("contract cannot be nil")
	}
	return d.Process(ctx, contract.Header(), contract, options...)
}

// ProcessMessage injects an existing message
func (d *Dispatcher) ProcessMessage(ctx context.Context, msg *contracts.Message, options ...ProcessOption) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	return d.processMessage(ctx, msg, newProcessConfig(options))
}

func (d *Dispatcher) processMessage(ctx context.Context, msg *contracts.Message, cfg processConfig) error {
	opts := []contracts.PayloadOption{
		contracts.WithProcessOptions(cfg.routing),
		contracts.WithSource(d.name),
	}
	if cfg.release != nil {
		opts = append(opts, contracts.WithRelease(cfg.release))
	}
	return d.ProcessPayload(ctx, contracts.NewPayload(msg, opts...))
}

// ProcessPayload hands the payload to the service
func (d *Dispatcher) ProcessPayload(ctx context.Context, payload *contracts.Payload) error {
	if payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}
	if d.running == nil || !d.running() {
		return fmt.Errorf("%s: %w", d.name, ErrServiceNotStarted)
	}

	if d.trace {
		payload.EnableTrace()
		payload.TraceWrite(d.name + " received.")
	}

	d.logger.Debug("Message injected",
		"dispatcher", d.name,
		"payloadId", payload.ID,
		"header", payload.Message.Header.String())

	return d.execute(ctx, payload)
}

func (d *Dispatcher) serialize(pkg any) ([]byte, error) {
	if raw, ok := pkg.([]byte); ok {
		return raw, nil
	}
	if d.serializer == nil {
		return nil, ErrMissingSerializer
	}
	return d.serializer.Serialize(pkg)
}

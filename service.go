// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package comms assembles the communication container, router, dispatcher
// and task manager into a runnable service.
package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/dispatch"
	"github.com/glimte/mmate-comms/internal/reliability"
	"github.com/glimte/mmate-comms/internal/scheduler"
	"github.com/glimte/mmate-comms/internal/taskmanager"
	"github.com/glimte/mmate-comms/priority"
	"github.com/glimte/mmate-comms/serialization"
)

var (
	// ErrUnroutable is returned when a payload can neither be executed
	// locally nor sent
	ErrUnroutable = errors.New("comms: payload has no route")
	// ErrSendFailed is returned when no sender accepted a payload
	ErrSendFailed = errors.New("comms: send failed")
)

// Shared service names registered with every sender and listener
const (
	ServiceSerializer = "serializer"
	ServiceDispatcher = "dispatcher"
	ServiceTypes      = "types"
)

// Service is one communicating microservice
type Service struct {
	name       string
	logger     *slog.Logger
	channels   *channel.Registry
	types      *serialization.TypeRegistry
	serializer *serialization.JSONSerializer
	services   *communication.SharedServices
	tasks      *taskmanager.Manager
	scheduler  *scheduler.Scheduler
	router     *dispatch.Router
	dispatcher *dispatch.Dispatcher
	container  *communication.Container
	running    atomic.Bool
}

// serviceConfig holds service configuration
type serviceConfig struct {
	logger        *slog.Logger
	comm          communication.Config
	policy        priority.Policy
	recorder      communication.Recorder
	channels      *channel.Registry
	types         *serialization.TypeRegistry
	maxConcurrent int
	offerInterval time.Duration
	taskTimeout   time.Duration
	trace         bool
	middleware    []dispatch.MiddlewareFunc
	breakers      communication.BreakerFactory
}

// Option configures the service
type Option func(*serviceConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *serviceConfig) {
		cfg.logger = logger
	}
}

// WithCommunicationConfig replaces the container settings
func WithCommunicationConfig(comm communication.Config) Option {
	return func(cfg *serviceConfig) {
		cfg.comm = comm
	}
}

// WithPolicy sets the priority policy
func WithPolicy(policy priority.Policy) Option {
	return func(cfg *serviceConfig) {
		cfg.policy = policy
	}
}

// WithRecorder sets the telemetry recorder
func WithRecorder(recorder communication.Recorder) Option {
	return func(cfg *serviceConfig) {
		cfg.recorder = recorder
	}
}

// WithChannels uses an existing channel registry
func WithChannels(channels *channel.Registry) Option {
	return func(cfg *serviceConfig) {
		cfg.channels = channels
	}
}

// WithTypeRegistry uses an existing contract type registry
func WithTypeRegistry(types *serialization.TypeRegistry) Option {
	return func(cfg *serviceConfig) {
		cfg.types = types
	}
}

// WithMaxConcurrentTasks bounds concurrently executing payloads and polls
func WithMaxConcurrentTasks(n int) Option {
	return func(cfg *serviceConfig) {
		cfg.maxConcurrent = n
	}
}

// WithOfferInterval sets how often spare capacity is offered to the container
func WithOfferInterval(d time.Duration) Option {
	return func(cfg *serviceConfig) {
		cfg.offerInterval = d
	}
}

// WithTaskTimeout sets the timeout of tasks that carry none
func WithTaskTimeout(d time.Duration) Option {
	return func(cfg *serviceConfig) {
		cfg.taskTimeout = d
	}
}

// WithTrace enables payload tracing for injected messages
func WithTrace(enabled bool) Option {
	return func(cfg *serviceConfig) {
		cfg.trace = enabled
	}
}

// WithMiddleware wraps every handler
func WithMiddleware(middleware ...dispatch.MiddlewareFunc) Option {
	return func(cfg *serviceConfig) {
		cfg.middleware = append(cfg.middleware, middleware...)
	}
}

// WithClientBreakers guards each listener client with a circuit breaker
// that opens after failureThreshold consecutive poll failures. onChange may
// be nil.
func WithClientBreakers(failureThreshold int, openTimeout time.Duration, onChange reliability.StateChangeFunc) Option {
	return func(cfg *serviceConfig) {
		cfg.breakers = func(client communication.ListenerClient) communication.ClientBreaker {
			opts := []reliability.CircuitBreakerOption{
				reliability.WithName(client.ID()),
				reliability.WithFailureThreshold(failureThreshold),
				reliability.WithOpenTimeout(openTimeout),
				reliability.WithBreakerLogger(cfg.logger),
			}
			if onChange != nil {
				opts = append(opts, reliability.WithStateChange(onChange))
			}
			return reliability.NewCircuitBreaker(opts...)
		}
	}
}

// NewService creates a stopped service
func NewService(name string, options ...Option) (*Service, error) {
	if name == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}

	cfg := &serviceConfig{
		logger:        slog.Default(),
		comm:          communication.DefaultConfig(),
		maxConcurrent: taskmanager.DefaultMaxConcurrent,
		offerInterval: taskmanager.DefaultOfferInterval,
		taskTimeout:   taskmanager.DefaultTaskTimeout,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.comm.OriginatorID == "" {
		cfg.comm.OriginatorID = name
	}
	if cfg.channels == nil {
		cfg.channels = channel.NewRegistry()
	}
	if cfg.types == nil {
		cfg.types = serialization.NewTypeRegistry()
	}

	s := &Service{
		name:     name,
		logger:   cfg.logger.With("service", name),
		channels: cfg.channels,
		types:    cfg.types,
		services: communication.NewSharedServices(),
	}

	s.serializer = serialization.NewJSONSerializer(serialization.WithTypeRegistry(cfg.types))
	s.tasks = taskmanager.New(
		taskmanager.WithMaxConcurrent(cfg.maxConcurrent),
		taskmanager.WithOfferInterval(cfg.offerInterval),
		taskmanager.WithDefaultTimeout(cfg.taskTimeout),
		taskmanager.WithLogger(s.logger))
	s.scheduler = scheduler.New(
		scheduler.WithExecutor(s.tasks),
		scheduler.WithLogger(s.logger))
	s.router = dispatch.NewRouter(
		dispatch.WithRouterLogger(s.logger),
		dispatch.WithMiddleware(cfg.middleware...))

	containerOpts := []communication.Option{
		communication.WithLogger(s.logger),
		communication.WithExecutor(s.tasks),
		communication.WithScheduler(s.scheduler),
		communication.WithChannels(s.channels),
		communication.WithSharedServices(s.services),
		communication.WithSerializer(s.serializer),
		communication.WithPayloadHandler(s.executeDelivered),
	}
	if cfg.policy != nil {
		containerOpts = append(containerOpts, communication.WithPolicy(cfg.policy))
	}
	if cfg.recorder != nil {
		containerOpts = append(containerOpts, communication.WithRecorder(cfg.recorder))
	}
	if cfg.breakers != nil {
		containerOpts = append(containerOpts, communication.WithClientBreakers(cfg.breakers))
	}

	container, err := communication.New(cfg.comm, containerOpts...)
	if err != nil {
		return nil, err
	}
	s.container = container
	s.tasks.AddConsumer(container)

	s.dispatcher = dispatch.NewDispatcher(name, s.ExecuteOrEnqueue, s.IsRunning,
		dispatch.WithSerializer(s.serializer),
		dispatch.WithTrace(cfg.trace),
		dispatch.WithDispatcherLogger(s.logger))

	s.router.OnChange(func(filters []contracts.MessageFilter) {
		if err := container.SupportedMessagesChanged(context.Background(), filters); err != nil {
			s.logger.Warn("Supported message update failed", "error", err)
		}
	})

	s.services.Register(ServiceSerializer, s.serializer)
	s.services.Register(ServiceDispatcher, s.dispatcher)
	s.services.Register(ServiceTypes, s.types)

	return s, nil
}

func (s *Service) Name() string                              { return s.name }
func (s *Service) Router() *dispatch.Router                  { return s.router }
func (s *Service) Dispatcher() *dispatch.Dispatcher          { return s.dispatcher }
func (s *Service) Container() *communication.Container       { return s.container }
func (s *Service) Channels() *channel.Registry               { return s.channels }
func (s *Service) Types() *serialization.TypeRegistry        { return s.types }
func (s *Service) Serializer() *serialization.JSONSerializer { return s.serializer }
func (s *Service) Scheduler() *scheduler.Scheduler           { return s.scheduler }

// SenderAdd registers a sender with the container
func (s *Service) SenderAdd(ctx context.Context, sender communication.Sender) error {
	return s.container.SenderAdd(ctx, sender)
}

// ListenerAdd registers a listener with the container
func (s *Service) ListenerAdd(ctx context.Context, listener communication.Listener) error {
	return s.container.ListenerAdd(ctx, listener)
}

// IsRunning reports whether the service accepts messages
func (s *Service) IsRunning() bool { return s.running.Load() }

// Start starts the task manager, the scheduler and the container
func (s *Service) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	if err := s.tasks.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task manager: %w", err)
	}
	if err := s.scheduler.Start(ctx); err != nil {
		s.tasks.Stop(ctx)
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := s.container.Start(ctx); err != nil {
		s.scheduler.Stop(ctx)
		s.tasks.Stop(ctx)
		return fmt.Errorf("failed to start container: %w", err)
	}

	s.running.Store(true)
	s.logger.Info("Service started", "handlers", len(s.router.SupportedMessages()))
	return nil
}

// Stop stops accepting messages, then stops the container, the scheduler
// and finally waits for running tasks until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	var errs []error
	if err := s.container.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.tasks.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("Service stopped")
	return errors.Join(errs...)
}

// ExecuteOrEnqueue routes an injected payload. Incoming redirects are
// applied first. A payload marked for internal routing whose header has a
// handler runs as a task; otherwise one marked for external routing is
// sent. Anything else is signalled failed and reported as unroutable.
func (s *Service) ExecuteOrEnqueue(ctx context.Context, payload *contracts.Payload) error {
	if payload == nil || payload.Message == nil {
		return fmt.Errorf("payload cannot be nil")
	}

	if s.channels.Redirect(channel.Incoming, payload) {
		s.logger.Debug("Payload redirected", "payloadId", payload.ID, "header", payload.Message.Header.String())
	}

	if payload.Options.Has(contracts.RouteInternal) && s.router.Supports(payload.Message) {
		return s.executeInternal(payload)
	}

	if payload.Options.Has(contracts.RouteExternal) {
		if !s.container.Send(ctx, payload) {
			s.signal(payload, false)
			return fmt.Errorf("%s: %w", payload.Message.Header, ErrSendFailed)
		}
		s.signal(payload, true)
		return nil
	}

	s.logger.Warn("Payload cannot be routed",
		"payloadId", payload.ID,
		"header", payload.Message.Header.String(),
		"options", payload.Options.String())
	s.signal(payload, false)
	return fmt.Errorf("%s: %w", payload.Message.Header, ErrUnroutable)
}

func (s *Service) executeInternal(payload *contracts.Payload) error {
	msg := payload.Message
	task := &communication.Task{
		Name:     "execute " + msg.Header.String(),
		Priority: msg.ChannelPriority,
		Timeout:  payload.MaxProcessingTime,
		Context:  payload,
		Execute: func(ctx context.Context) error {
			return s.router.Execute(ctx, payload)
		},
		Complete: func(failed bool, _ error) {
			s.signal(payload, !failed)
		},
	}

	if err := s.tasks.Submit(task); err != nil {
		s.signal(payload, false)
		return fmt.Errorf("failed to execute %s: %w", msg.Header, err)
	}
	return nil
}

// executeDelivered runs a payload polled from a listener. The container
// signals it from the result.
func (s *Service) executeDelivered(ctx context.Context, payload *contracts.Payload) error {
	s.channels.Redirect(channel.Incoming, payload)
	return s.router.Execute(ctx, payload)
}

func (s *Service) signal(payload *contracts.Payload, success bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Payload signal panicked", "payloadId", payload.ID, "panic", rec)
			payload.SignalFail()
		}
	}()

	if _, err := payload.Signal(success); err != nil {
		s.logger.Error("Payload release failed", "payloadId", payload.ID, "error", err)
		payload.SignalFail()
	}
}

// Statistics is a point-in-time view of the service
type Statistics struct {
	Name          string                   `json:"name"`
	Running       bool                     `json:"running"`
	Communication communication.Statistics `json:"communication"`
	Tasks         taskmanager.Stats        `json:"tasks"`
	Schedules     []scheduler.Stats        `json:"schedules"`
	Handlers      int                      `json:"handlers"`
}

// Statistics returns the current service statistics
func (s *Service) Statistics() Statistics {
	return Statistics{
		Name:          s.name,
		Running:       s.running.Load(),
		Communication: s.container.Statistics(),
		Tasks:         s.tasks.Stats(),
		Schedules:     s.scheduler.Stats(),
		Handlers:      len(s.router.SupportedMessages()),
	}
}

// TaskStats returns the task manager statistics
func (s *Service) TaskStats() taskmanager.Stats { return s.tasks.Stats() }

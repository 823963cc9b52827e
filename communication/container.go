package communication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/priority"
)

type clientState struct {
	client   ListenerClient
	listener Listener
	metrics  *priority.Metrics
	breaker  ClientBreaker
}

// Container owns the senders and listeners of a service and schedules the
// polling of listener clients.
type Container struct {
	cfg        Config
	logger     *slog.Logger
	policy     priority.Policy
	executor   Executor
	scheduler  Scheduler
	channels   *channel.Registry
	services   ServiceLocator
	serializer contracts.Serializer
	recorder   Recorder
	breakers   BreakerFactory
	handler    PayloadHandler

	mu        sync.RWMutex
	senders   []Sender
	listeners []Listener
	clients   map[string]*clientState
	filters   []contracts.MessageFilter
	schedule  *Schedule

	tracker     *priority.Tracker
	senderCache atomic.Pointer[sync.Map]
	snapshot    atomic.Pointer[priority.Snapshot]
	iteration   atomic.Int64
	reserved    atomic.Int64
	running     atomic.Bool
	rebuildMu   sync.Mutex
}

// Option configures the container
type Option func(*Container)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		c.logger = logger
	}
}

// WithPolicy sets the priority allocation policy
func WithPolicy(policy priority.Policy) Option {
	return func(c *Container) {
		c.policy = policy
	}
}

// WithExecutor sets the task executor
func WithExecutor(executor Executor) Option {
	return func(c *Container) {
		c.executor = executor
	}
}

// WithScheduler sets the scheduler used for periodic rebuilds
func WithScheduler(scheduler Scheduler) Option {
	return func(c *Container) {
		c.scheduler = scheduler
	}
}

// WithChannels sets the channel registry used for outgoing redirects
func WithChannels(channels *channel.Registry) Option {
	return func(c *Container) {
		c.channels = channels
	}
}

// WithSharedServices sets the service locator handed to components
func WithSharedServices(services ServiceLocator) Option {
	return func(c *Container) {
		c.services = services
	}
}

// WithSerializer sets the serializer handed to components
func WithSerializer(serializer contracts.Serializer) Option {
	return func(c *Container) {
		c.serializer = serializer
	}
}

// WithRecorder sets the telemetry recorder
func WithRecorder(recorder Recorder) Option {
	return func(c *Container) {
		c.recorder = recorder
	}
}

// WithClientBreakers guards every listener client with a breaker
func WithClientBreakers(factory BreakerFactory) Option {
	return func(c *Container) {
		c.breakers = factory
	}
}

// WithPayloadHandler sets the handler that executes polled payloads
func WithPayloadHandler(handler PayloadHandler) Option {
	return func(c *Container) {
		c.handler = handler
	}
}

// New creates a container
func New(cfg Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid communication config: %w", err)
	}
	if cfg.QueueLengthTimeout <= 0 {
		cfg.QueueLengthTimeout = DefaultQueueLengthTimeout
	}

	c := &Container{
		cfg:      cfg,
		logger:   slog.Default(),
		policy:   priority.NewDefaultPolicy(0),
		recorder: NoopRecorder{},
		clients:  make(map[string]*clientState),
		tracker:  priority.NewTracker(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.senderCache.Store(newSenderCache())
	return c, nil
}

// Config returns the container settings
func (c *Container) Config() Config { return c.cfg }

func (c *Container) capabilities() Capabilities {
	return Capabilities{
		Services:     c.services,
		OriginatorID: c.cfg.OriginatorID,
		Logger:       c.logger,
		Serializer:   c.serializer,
	}
}

// SenderAdd registers a sender. A sender added to a running container is
// started immediately.
func (c *Container) SenderAdd(ctx context.Context, s Sender) error {
	applied := c.capabilities().Apply(s)
	c.logger.Debug("Sender registered", "sender", s.Name(), "capabilities", applied)

	if c.running.Load() {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sender %s: %w", s.Name(), err)
		}
	}

	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()

	c.senderCache.Store(newSenderCache())
	return nil
}

// ListenerAdd registers a listener. A listener added to a running container
// is updated, started and included in an immediate rebuild.
func (c *Container) ListenerAdd(ctx context.Context, l Listener) error {
	applied := c.capabilities().Apply(l)
	c.logger.Debug("Listener registered", "listener", l.Name(), "capabilities", applied)

	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	filters := c.filters
	c.mu.Unlock()

	if !c.running.Load() {
		return nil
	}

	if err := l.Update(filters); err != nil {
		return fmt.Errorf("failed to update listener %s: %w", l.Name(), err)
	}
	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener %s: %w", l.Name(), err)
	}
	if err := c.Rebuild(ctx); err != nil {
		c.logger.Warn("Rebuild after listener add failed", "listener", l.Name(), "error", err)
	}
	return nil
}

// Start starts senders then listeners, builds the first snapshot and
// registers the periodic rebuild.
func (c *Container) Start(ctx context.Context) error {
	if c.executor == nil {
		return ErrMissingExecutor
	}
	if c.handler == nil {
		return ErrMissingPayloadHandler
	}
	if c.running.Load() {
		return nil
	}

	c.mu.RLock()
	senders := append([]Sender(nil), c.senders...)
	listeners := append([]Listener(nil), c.listeners...)
	filters := c.filters
	c.mu.RUnlock()

	for _, s := range senders {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sender %s: %w", s.Name(), err)
		}
	}
	for _, l := range listeners {
		if err := l.Update(filters); err != nil {
			return fmt.Errorf("failed to update listener %s: %w", l.Name(), err)
		}
		if err := l.Start(ctx); err != nil {
			return fmt.Errorf("failed to start listener %s: %w", l.Name(), err)
		}
	}

	c.running.Store(true)

	if err := c.Rebuild(ctx); err != nil {
		c.logger.Warn("Initial priority rebuild failed", "error", err)
	}

	if c.scheduler != nil {
		schedule := c.scheduler.Register(c.Rebuild, c.cfg.RebuildInterval, "communication priority rebuild", c.cfg.RebuildInitialDelay, true)
		c.mu.Lock()
		c.schedule = schedule
		c.mu.Unlock()
	}

	c.logger.Info("Communication container started",
		"senders", len(senders),
		"listeners", len(listeners),
		"policy", c.policy.Name())
	return nil
}

// Stop stops senders and listeners and closes the current snapshot.
// In-flight polls drain naturally.
func (c *Container) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.mu.Lock()
	schedule := c.schedule
	c.schedule = nil
	senders := append([]Sender(nil), c.senders...)
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	if schedule != nil && c.scheduler != nil {
		c.scheduler.Unregister(schedule)
	}

	var errs []error
	for _, s := range senders {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop sender %s: %w", s.Name(), err))
		}
	}
	for _, l := range listeners {
		if err := l.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop listener %s: %w", l.Name(), err))
		}
	}

	if snap := c.snapshot.Load(); snap != nil {
		snap.Close()
	}

	c.logger.Info("Communication container stopped", "reservedSlots", c.reserved.Load())
	return errors.Join(errs...)
}

// IsRunning reports whether the container is started
func (c *Container) IsRunning() bool { return c.running.Load() }

// CanProcess reports whether the container can accept work
func (c *Container) CanProcess() bool {
	return c.running.Load() && c.executor != nil
}

// SupportedMessagesChanged pushes the filters to every listener and
// rebuilds the snapshot straight away.
func (c *Container) SupportedMessagesChanged(ctx context.Context, filters []contracts.MessageFilter) error {
	c.mu.Lock()
	c.filters = append([]contracts.MessageFilter(nil), filters...)
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Update(filters); err != nil {
			c.logger.Error("Listener update failed", "listener", l.Name(), "error", err)
			errs = append(errs, fmt.Errorf("listener %s: %w", l.Name(), err))
		}
	}

	if c.running.Load() {
		if err := c.Rebuild(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns the current priority snapshot, or nil
func (c *Container) Snapshot() *priority.Snapshot {
	return c.snapshot.Load()
}

// ReservedSlots returns the slots held by in-flight polls
func (c *Container) ReservedSlots() int64 {
	return c.reserved.Load()
}

// Rebuild ranks the current listener clients and swaps the new snapshot in.
// On failure the previous snapshot stays current.
func (c *Container) Rebuild(ctx context.Context) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	start := time.Now()
	metrics := c.syncClients(ctx)
	iteration := c.iteration.Add(1)

	snap, err := priority.Build(iteration, metrics, c.policy, time.Now())
	if err != nil {
		c.recorder.RebuildFailed()
		c.logger.Error("Priority rebuild failed", "iteration", iteration, "error", err)
		return fmt.Errorf("priority rebuild %d: %w", iteration, err)
	}

	if old := c.snapshot.Swap(snap); old != nil {
		old.Close()
	}

	elapsed := time.Since(start)
	c.recorder.SnapshotRebuilt(iteration, snap.Count(), elapsed)
	c.logger.Debug("Priority snapshot rebuilt",
		"iteration", iteration,
		"clients", snap.Count(),
		"skipped", snap.Skipped(),
		"levels", snap.Levels(),
		"elapsed", elapsed)
	return nil
}

// syncClients registers new listener clients, drops vanished ones and
// refreshes reported queue lengths.
func (c *Container) syncClients(ctx context.Context) []*priority.Metrics {
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()

	type found struct {
		client   ListenerClient
		listener Listener
	}
	var current []found
	for _, l := range listeners {
		for _, cl := range l.Clients() {
			current = append(current, found{client: cl, listener: l})
		}
	}

	c.mu.Lock()
	seen := make(map[string]struct{}, len(current))
	for _, f := range current {
		id := f.client.ID()
		seen[id] = struct{}{}
		if _, exists := c.clients[id]; exists {
			continue
		}

		m := priority.NewMetrics(id, f.client.Name(), f.client.Priority(), f.client.DeadLetter(), f.client.Weighting())
		st := &clientState{client: f.client, listener: f.listener, metrics: m}
		if c.breakers != nil {
			if b := c.breakers(f.client); b != nil {
				st.breaker = b
				m.SetBreaker(b)
			}
		}
		c.clients[id] = st
		if err := c.tracker.Add(m); err != nil {
			c.logger.Warn("Client metrics already tracked", "clientId", id, "error", err)
		}
	}
	for id := range c.clients {
		if _, ok := seen[id]; !ok {
			delete(c.clients, id)
			c.tracker.Remove(id)
		}
	}

	states := make([]*clientState, 0, len(c.clients))
	for _, st := range c.clients {
		states = append(states, st)
	}
	c.mu.Unlock()

	metrics := make([]*priority.Metrics, 0, len(states))
	for _, st := range states {
		if r, ok := st.client.(QueueLengthReporter); ok {
			qctx, cancel := context.WithTimeout(ctx, c.cfg.QueueLengthTimeout)
			n, err := r.QueueLength(qctx)
			cancel()
			if err != nil {
				c.logger.Warn("Queue length query failed", "clientId", st.client.ID(), "error", err)
			} else {
				st.metrics.SetQueueLength(n)
			}
		}
		metrics = append(metrics, st.metrics)
	}
	return metrics
}

func (c *Container) client(id string) (*clientState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.clients[id]
	return st, ok
}

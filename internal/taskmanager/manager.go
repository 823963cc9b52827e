package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-comms/communication"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrent = 16
	DefaultOfferInterval = 100 * time.Millisecond
	DefaultTaskTimeout   = time.Minute
	DefaultMaxQueued     = 1024
)

// Consumer is offered the free capacity of the manager. The communication
// container satisfies it.
type Consumer interface {
	Process(availability communication.Availability) int
}

// Stats is a point-in-time view of the manager
type Stats struct {
	Capacity       int   `json:"capacity"`
	Active         int64 `json:"active"`
	Queued         int64 `json:"queued"`
	InternalActive int64 `json:"internalActive"`
	Submitted      int64 `json:"submitted"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	TimedOut       int64 `json:"timedOut"`
	Offers         int64 `json:"offers"`
}

// Manager executes tasks. Internal tasks bypass the capacity limit; other
// tasks submitted while it is full wait in a FIFO queue and start as slots
// free up.
type Manager struct {
	capacity       int
	maxQueued      int
	sem            *semaphore.Weighted
	offerInterval  time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu        sync.RWMutex
	consumers []Consumer

	// queueMu orders slot hand-over against enqueueing
	queueMu sync.Mutex
	queue   []*communication.Task

	running atomic.Bool
	kick    chan struct{}
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	tasks   sync.WaitGroup

	active         atomic.Int64
	queued         atomic.Int64
	internalActive atomic.Int64
	submitted      atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	timedOut       atomic.Int64
	offers         atomic.Int64
}

// Option configures the Manager
type Option func(*Manager)

// WithMaxConcurrent sets the number of non-internal tasks that may run at once
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithOfferInterval sets how often free capacity is offered to consumers
func WithOfferInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.offerInterval = d
		}
	}
}

// WithMaxQueued bounds the tasks waiting for a slot
func WithMaxQueued(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxQueued = n
		}
	}
}

// WithDefaultTimeout sets the timeout of tasks that carry none
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithConsumer adds a consumer of the offered capacity
func WithConsumer(consumer Consumer) Option {
	return func(m *Manager) {
		m.consumers = append(m.consumers, consumer)
	}
}

// New creates a stopped manager
func New(opts ...Option) *Manager {
	m := &Manager{
		capacity:       DefaultMaxConcurrent,
		maxQueued:      DefaultMaxQueued,
		offerInterval:  DefaultOfferInterval,
		defaultTimeout: DefaultTaskTimeout,
		logger:         slog.Default(),
		kick:           make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.sem = semaphore.NewWeighted(int64(m.capacity))
	return m
}

var (
	_ communication.Executor     = (*Manager)(nil)
	_ communication.Availability = (*Manager)(nil)
)

// AddConsumer adds a consumer of the offered capacity
func (m *Manager) AddConsumer(consumer Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers = append(m.consumers, consumer)
}

// Start begins offering capacity
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("task manager is already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.loop.Add(1)
	go m.offerLoop(loopCtx)

	m.logger.Info("Task manager started",
		"capacity", m.capacity,
		"offerInterval", m.offerInterval)
	return nil
}

// Stop stops offering capacity and waits for running and queued tasks
// until ctx ends
func (m *Manager) Stop(ctx context.Context) error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}

	m.cancel()
	m.loop.Wait()

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Task manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}

// IsRunning reports whether the manager accepts tasks
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Level implements communication.Availability. Capacity is shared by every
// priority level. Queued tasks count against it, so the level goes negative
// once tasks wait for a slot.
func (m *Manager) Level(int) int {
	return m.capacity - int(m.active.Load()+m.queued.Load())
}

// Submit implements communication.Executor
func (m *Manager) Submit(task *communication.Task) error {
	if task == nil || task.Execute == nil {
		return ErrInvalidTask
	}
	if !m.running.Load() {
		return ErrNotRunning
	}

	if task.Internal {
		m.internalActive.Add(1)
		m.submitted.Add(1)
		m.tasks.Add(1)
		go m.run(task)
		return nil
	}

	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	if len(m.queue) == 0 && m.sem.TryAcquire(1) {
		m.active.Add(1)
		m.submitted.Add(1)
		m.tasks.Add(1)
		go m.run(task)
		return nil
	}

	if len(m.queue) >= m.maxQueued {
		return fmt.Errorf("task %s: %w", task.Name, ErrCapacityExceeded)
	}
	m.queue = append(m.queue, task)
	m.queued.Add(1)
	m.submitted.Add(1)
	m.tasks.Add(1)
	return nil
}

// handOver passes the slot of a finished task to the oldest queued task,
// or returns it to the semaphore when nothing waits
func (m *Manager) handOver() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	if len(m.queue) == 0 {
		m.active.Add(-1)
		m.sem.Release(1)
		return
	}

	next := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	m.queued.Add(-1)
	go m.run(next)
}

// Offer hands the free capacity to every consumer and returns the number
// of tasks they submitted.
func (m *Manager) Offer() int {
	m.offers.Add(1)

	m.mu.RLock()
	consumers := append([]Consumer(nil), m.consumers...)
	m.mu.RUnlock()

	submitted := 0
	for _, c := range consumers {
		submitted += m.offerTo(c)
	}
	return submitted
}

func (m *Manager) offerTo(c Consumer) (n int) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Capacity consumer panicked", "panic", r)
			n = 0
		}
	}()
	return c.Process(m)
}

// Stats returns the counters of the manager
func (m *Manager) Stats() Stats {
	return Stats{
		Capacity:       m.capacity,
		Active:         m.active.Load(),
		Queued:         m.queued.Load(),
		InternalActive: m.internalActive.Load(),
		Submitted:      m.submitted.Load(),
		Completed:      m.completed.Load(),
		Failed:         m.failed.Load(),
		TimedOut:       m.timedOut.Load(),
		Offers:         m.offers.Load(),
	}
}

func (m *Manager) offerLoop(ctx context.Context) {
	defer m.loop.Done()

	ticker := time.NewTicker(m.offerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
		m.Offer()
	}
}

// trigger asks the loop for an early offer without blocking
func (m *Manager) trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) run(task *communication.Task) {
	defer m.tasks.Done()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := m.execute(ctx, task)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = context.DeadlineExceeded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		m.timedOut.Add(1)
		err = fmt.Errorf("task %s after %s: %w", task.Name, timeout, ErrTaskTimeout)
	}

	if task.Internal {
		m.internalActive.Add(-1)
	} else {
		m.handOver()
	}

	if err != nil {
		m.failed.Add(1)
		m.logger.Debug("Task failed", "task", task.Name, "error", err)
	}
	m.completed.Add(1)

	m.complete(task, err)

	if !task.Internal && m.running.Load() {
		m.trigger()
	}
}

func (m *Manager) execute(ctx context.Context, task *communication.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			m.logger.Error("Task panicked", "task", task.Name, "panic", r)
		}
	}()
	return task.Execute(ctx)
}

func (m *Manager) complete(task *communication.Task, err error) {
	if task.Complete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task completion panicked", "task", task.Name, "panic", r)
		}
	}()
	task.Complete(err != nil, err)
}

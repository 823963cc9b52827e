// Package scheduler runs the periodic actions of the communication
// container, such as the priority rebuild.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-comms/communication"
	"github.com/google/uuid"
)

// Stats is the run history of one schedule
type Stats struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	Skipped  int64         `json:"skipped"`
	LastRun  time.Time     `json:"lastRun"`
}

type entry struct {
	schedule *communication.Schedule
	action   func(ctx context.Context) error

	executing atomic.Bool
	runs      atomic.Int64
	failures  atomic.Int64
	skipped   atomic.Int64
	lastRun   atomic.Int64

	// stop is guarded by Scheduler.mu and set while the entry is firing.
	stop chan struct{}
}

// Scheduler fires registered actions on their interval. Each run is
// submitted to the executor when one is set and runs on its own goroutine
// otherwise; a run is skipped while the previous run of the same schedule
// is still executing.
type Scheduler struct {
	executor communication.Executor
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	running bool
	wg      sync.WaitGroup
}

// Option configures the Scheduler
type Option func(*Scheduler)

// WithExecutor runs actions as tasks of the executor
func WithExecutor(executor communication.Executor) Option {
	return func(s *Scheduler) {
		s.executor = executor
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a stopped scheduler
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

var _ communication.Scheduler = (*Scheduler)(nil)

// Register implements communication.Scheduler. Schedules registered
// before Start begin firing when the scheduler starts.
func (s *Scheduler) Register(action func(ctx context.Context) error, interval time.Duration, name string, initialDelay time.Duration, internal bool) *communication.Schedule {
	sched := &communication.Schedule{
		ID:           uuid.New().String(),
		Name:         name,
		Interval:     interval,
		InitialDelay: initialDelay,
		Internal:     internal,
	}
	e := &entry{
		schedule: sched,
		action:   action,
	}

	s.mu.Lock()
	s.entries[sched.ID] = e
	if s.running {
		s.launch(e)
	}
	s.mu.Unlock()

	s.logger.Debug("Schedule registered",
		"schedule", name,
		"interval", interval,
		"initialDelay", initialDelay)
	return sched
}

// Unregister implements communication.Scheduler
func (s *Scheduler) Unregister(schedule *communication.Schedule) bool {
	if schedule == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[schedule.ID]
	if ok {
		s.halt(e)
		delete(s.entries, schedule.ID)
	}
	return ok
}

// Start begins firing every registered schedule
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true

	for _, e := range s.entries {
		s.launch(e)
	}

	s.logger.Info("Scheduler started", "schedules", len(s.entries))
	return nil
}

// Stop halts every schedule. Runs already submitted are not waited for.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, e := range s.entries {
		s.halt(e)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
	return nil
}

// Stats returns the run history of every schedule
func (s *Scheduler) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]Stats, 0, len(s.entries))
	for _, e := range s.entries {
		st := Stats{
			ID:       e.schedule.ID,
			Name:     e.schedule.Name,
			Interval: e.schedule.Interval,
			Runs:     e.runs.Load(),
			Failures: e.failures.Load(),
			Skipped:  e.skipped.Load(),
		}
		if ts := e.lastRun.Load(); ts > 0 {
			st.LastRun = time.Unix(0, ts)
		}
		stats = append(stats, st)
	}
	return stats
}

func (s *Scheduler) launch(e *entry) {
	e.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(e, e.stop)
}

func (s *Scheduler) halt(e *entry) {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

func (s *Scheduler) loop(e *entry, stop <-chan struct{}) {
	defer s.wg.Done()

	timer := time.NewTimer(e.schedule.InitialDelay)
	defer timer.Stop()

	select {
	case <-stop:
		return
	case <-timer.C:
	}
	s.fire(e)

	if e.schedule.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(e.schedule.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.fire(e)
		}
	}
}

func (s *Scheduler) fire(e *entry) {
	if !e.executing.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		return
	}

	e.runs.Add(1)
	e.lastRun.Store(time.Now().UnixNano())

	if s.executor == nil {
		go func() {
			s.done(e, s.invoke(context.Background(), e))
		}()
		return
	}

	task := &communication.Task{
		Name:     e.schedule.Name,
		Internal: e.schedule.Internal,
		Timeout:  e.schedule.Interval,
		Context:  e.schedule,
		Execute: func(ctx context.Context) error {
			return s.invoke(ctx, e)
		},
		Complete: func(_ bool, err error) {
			s.done(e, err)
		},
	}
	if err := s.executor.Submit(task); err != nil {
		s.logger.Warn("Schedule submit failed", "schedule", e.schedule.Name, "error", err)
		s.done(e, err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("schedule %s panicked: %v", e.schedule.Name, r)
		}
	}()
	return e.action(ctx)
}

func (s *Scheduler) done(e *entry, err error) {
	if err != nil {
		e.failures.Add(1)
		s.logger.Error("Scheduled action failed", "schedule", e.schedule.Name, "error", err)
	}
	e.executing.Store(false)
}

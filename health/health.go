// Package health reports whether the communication container can make
// progress. The report combines the scheduling state of the container with
// checks on the brokers it depends on.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-comms/communication"
	"golang.org/x/sync/errgroup"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// CheckResult is the outcome of one dependency check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Checker checks one external dependency such as a broker connection
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// StatisticsProvider is implemented by *communication.Container
type StatisticsProvider interface {
	Statistics() communication.Statistics
}

// ClientStatus is the health view of one listener client
type ClientStatus struct {
	ID            string        `json:"id"`
	Priority      int           `json:"priority"`
	DeadLetter    bool          `json:"deadLetter"`
	BreakerOpen   bool          `json:"breakerOpen"`
	QueueLength   int64         `json:"queueLength"`
	Errors        int64         `json:"errors"`
	SinceLastPoll time.Duration `json:"sinceLastPoll"`
}

// ContainerStatus summarises the scheduling state of the container.
// StaleIterations counts rebuilds since the snapshot in use was built; it
// grows while rebuilds keep failing.
type ContainerStatus struct {
	Status             Status         `json:"status"`
	Message            string         `json:"message"`
	Running            bool           `json:"running"`
	Policy             string         `json:"policy"`
	SnapshotIteration  int64          `json:"snapshotIteration"`
	StaleIterations    int64          `json:"staleIterations"`
	SchedulableClients int            `json:"schedulableClients"`
	ReservedSlots      int64          `json:"reservedSlots"`
	AllowedOverage     int            `json:"allowedOverage"`
	OpenBreakers       []string       `json:"openBreakers,omitempty"`
	DeadLetterBacklog  int64          `json:"deadLetterBacklog"`
	Clients            []ClientStatus `json:"clients,omitempty"`
}

// Report is the aggregate health of the service
type Report struct {
	Status       Status            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Duration     time.Duration     `json:"duration"`
	Service      map[string]string `json:"service,omitempty"`
	Container    ContainerStatus   `json:"container"`
	Dependencies []CheckResult     `json:"dependencies,omitempty"`
}

// Option configures a Monitor
type Option func(*Monitor)

// WithDeadLetterLimit degrades the container once the dead letter clients
// hold at least limit messages. Zero disables the limit.
func WithDeadLetterLimit(limit int64) Option {
	return func(m *Monitor) {
		m.deadLetterLimit = limit
	}
}

// WithStaleLimit degrades the container once that many rebuilds in a row
// failed to replace the snapshot. Zero disables the limit.
func WithStaleLimit(limit int64) Option {
	return func(m *Monitor) {
		m.staleLimit = limit
	}
}

// Monitor builds health reports for one container
type Monitor struct {
	container       StatisticsProvider
	deadLetterLimit int64
	staleLimit      int64

	mu       sync.RWMutex
	deps     []Checker
	metadata map[string]string
}

// NewMonitor creates a monitor for container
func NewMonitor(container StatisticsProvider, opts ...Option) *Monitor {
	m := &Monitor{
		container:  container,
		staleLimit: 3,
		metadata:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddDependency adds a dependency check, replacing one with the same name
func (m *Monitor) AddDependency(dep Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps = slices.DeleteFunc(m.deps, func(c Checker) bool { return c.Name() == dep.Name() })
	m.deps = append(m.deps, dep)
}

// SetMetadata sets a value reported under Service
func (m *Monitor) SetMetadata(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[key] = value
}

// Report evaluates the container and runs the dependency checks
// concurrently. A check still running when ctx is done is reported
// unhealthy.
func (m *Monitor) Report(ctx context.Context) Report {
	start := time.Now()

	m.mu.RLock()
	deps := slices.Clone(m.deps)
	meta := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		meta[k] = v
	}
	m.mu.RUnlock()

	report := Report{
		Timestamp: start,
		Service:   meta,
		Container: m.evaluate(m.container.Statistics()),
	}
	report.Dependencies = checkAll(ctx, deps)

	report.Status = report.Container.Status
	for _, r := range report.Dependencies {
		report.Status = worse(report.Status, r.Status)
	}
	report.Duration = time.Since(start)
	return report
}

func (m *Monitor) evaluate(stats communication.Statistics) ContainerStatus {
	cs := ContainerStatus{
		Running:            stats.Running,
		Policy:             stats.Policy,
		SnapshotIteration:  stats.SnapshotIteration,
		StaleIterations:    stats.Iteration - stats.SnapshotIteration,
		SchedulableClients: stats.SnapshotClients,
		ReservedSlots:      stats.ReservedSlots,
		AllowedOverage:     stats.AllowedOverage,
	}

	for _, c := range append(slices.Clone(stats.Clients), stats.DeadLetterClients...) {
		cs.Clients = append(cs.Clients, ClientStatus{
			ID:            c.ClientID,
			Priority:      c.Priority,
			DeadLetter:    c.DeadLetter,
			BreakerOpen:   c.BreakerOpen,
			QueueLength:   c.QueueLength,
			Errors:        c.Errors,
			SinceLastPoll: c.SinceLastPoll,
		})
		if c.BreakerOpen {
			cs.OpenBreakers = append(cs.OpenBreakers, c.ClientID)
		}
		if c.DeadLetter {
			cs.DeadLetterBacklog += c.QueueLength
		}
	}

	switch {
	case !stats.Running:
		cs.Status, cs.Message = StatusUnhealthy, "Container is not running"
	case len(cs.OpenBreakers) > 0:
		cs.Status = StatusDegraded
		cs.Message = "Client breakers open: " + strings.Join(cs.OpenBreakers, ", ")
	case stats.Listeners > 0 && stats.SnapshotClients == 0:
		cs.Status, cs.Message = StatusDegraded, "No schedulable clients"
	case m.staleLimit > 0 && cs.StaleIterations >= m.staleLimit:
		cs.Status = StatusDegraded
		cs.Message = fmt.Sprintf("Snapshot is %d rebuilds old", cs.StaleIterations)
	case m.deadLetterLimit > 0 && cs.DeadLetterBacklog >= m.deadLetterLimit:
		cs.Status = StatusDegraded
		cs.Message = fmt.Sprintf("%d messages dead lettered", cs.DeadLetterBacklog)
	default:
		cs.Status, cs.Message = StatusHealthy, "Container is running"
	}
	return cs
}

// checkAll runs deps concurrently and returns the results sorted by name
func checkAll(ctx context.Context, deps []Checker) []CheckResult {
	results := make([]CheckResult, len(deps))
	var g errgroup.Group
	for i, dep := range deps {
		g.Go(func() error {
			results[i] = checkOne(ctx, dep)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(results, func(a, b CheckResult) int { return strings.Compare(a.Name, b.Name) })
	return results
}

func checkOne(ctx context.Context, dep Checker) CheckResult {
	done := make(chan CheckResult, 1)
	go func() { done <- dep.Check(ctx) }()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		result, start := newResult(dep.Name())
		return fail(result, start, "Check timed out", ctx.Err())
	}
}

// Handler serves the report as JSON. Unhealthy answers 503; degraded
// still answers 200.
func (m *Monitor) Handler(timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report := m.Report(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// ReadyHandler answers 200 once the container runs on a built snapshot.
// Dependency checks are not run.
func (m *Monitor) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := m.container.Statistics()
		if !stats.Running || stats.SnapshotIteration == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler answers 200 while the process serves HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alive"))
	}
}

package priority

import (
	"math"
	"sync/atomic"
	"time"
)

// Breaker is consulted when deciding whether a client should be polled
type Breaker interface {
	Allow() bool
}

// Metrics is the live telemetry record of one listener client. All methods
// are safe for concurrent use.
type Metrics struct {
	clientID   string
	name       string
	priority   int
	deadLetter bool
	created    time.Time

	weighting     atomic.Uint64
	queueLength   atomic.Int64
	active        atomic.Int64
	errors        atomic.Int64
	lastPoll      atomic.Int64
	pollAttempts  atomic.Int64
	pollSuccesses atomic.Int64
	payloads      atomic.Int64
	reserved      atomic.Bool

	breaker atomic.Pointer[breakerRef]
}

type breakerRef struct {
	Breaker
}

// NewMetrics creates the metrics record for a client
func NewMetrics(clientID, name string, priority int, deadLetter bool, weighting float64) *Metrics {
	m := &Metrics{
		clientID:   clientID,
		name:       name,
		priority:   priority,
		deadLetter: deadLetter,
		created:    time.Now(),
	}
	m.SetWeighting(weighting)
	return m
}

// ClientID returns the client id
func (m *Metrics) ClientID() string { return m.clientID }

// Name returns the client name
func (m *Metrics) Name() string { return m.name }

// Priority returns the partition priority, which is the snapshot level
func (m *Metrics) Priority() int { return m.priority }

// DeadLetter reports whether the client reads a dead-letter queue
func (m *Metrics) DeadLetter() bool { return m.deadLetter }

// SetWeighting sets the score multiplier. Non-positive values reset it to 1.
func (m *Metrics) SetWeighting(w float64) {
	if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		w = 1
	}
	m.weighting.Store(math.Float64bits(w))
}

// Weighting returns the score multiplier
func (m *Metrics) Weighting() float64 {
	return math.Float64frombits(m.weighting.Load())
}

// SetBreaker attaches a circuit breaker consulted by the skip decision
func (m *Metrics) SetBreaker(b Breaker) {
	if b == nil {
		m.breaker.Store(nil)
		return
	}
	m.breaker.Store(&breakerRef{b})
}

// SetQueueLength records the last observed queue length
func (m *Metrics) SetQueueLength(n int64) {
	if n < 0 {
		n = 0
	}
	m.queueLength.Store(n)
}

// QueueLength returns the last observed queue length
func (m *Metrics) QueueLength() int64 { return m.queueLength.Load() }

// ActiveIncrement records a payload entering processing
func (m *Metrics) ActiveIncrement() { m.active.Add(1) }

// ActiveDecrement records a payload leaving processing
func (m *Metrics) ActiveDecrement() { m.active.Add(-1) }

// Active returns the number of payloads in processing
func (m *Metrics) Active() int64 { return m.active.Load() }

// ErrorIncrement records a failed payload
func (m *Metrics) ErrorIncrement() { m.errors.Add(1) }

// Errors returns the number of failed payloads
func (m *Metrics) Errors() int64 { return m.errors.Load() }

// PollBegin records the start of a poll
func (m *Metrics) PollBegin(now time.Time) {
	m.pollAttempts.Add(1)
	m.lastPoll.Store(now.UnixNano())
}

// PollComplete records the outcome of a poll
func (m *Metrics) PollComplete(payloads int, failed bool) {
	if failed {
		return
	}
	m.pollSuccesses.Add(1)
	m.payloads.Add(int64(payloads))
}

// LastPoll returns the start time of the last poll, or the zero time
func (m *Metrics) LastPoll() time.Time {
	ns := m.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reserved reports whether a poll is reserved or running for the client
func (m *Metrics) Reserved() bool { return m.reserved.Load() }

func (m *Metrics) tryReserve() bool {
	return m.reserved.CompareAndSwap(false, true)
}

func (m *Metrics) unreserve() {
	m.reserved.Store(false)
}

// Snapshot returns a consistent copy of the record. Time since the last
// poll is measured from creation for clients that were never polled.
func (m *Metrics) Snapshot(now time.Time) MetricsSnapshot {
	last := m.LastPoll()
	since := now.Sub(m.created)
	if !last.IsZero() {
		since = now.Sub(last)
	}
	if since < 0 {
		since = 0
	}

	s := MetricsSnapshot{
		ClientID:      m.clientID,
		Name:          m.name,
		Priority:      m.priority,
		DeadLetter:    m.deadLetter,
		Weighting:     m.Weighting(),
		QueueLength:   m.queueLength.Load(),
		Active:        m.active.Load(),
		Errors:        m.errors.Load(),
		LastPoll:      last,
		SinceLastPoll: since,
		PollAttempts:  m.pollAttempts.Load(),
		PollSuccesses: m.pollSuccesses.Load(),
		Payloads:      m.payloads.Load(),
		Reserved:      m.reserved.Load(),
	}
	if ref := m.breaker.Load(); ref != nil {
		s.BreakerOpen = !ref.Allow()
	}
	return s
}

// MetricsSnapshot is a point-in-time copy of a client's metrics
type MetricsSnapshot struct {
	ClientID      string        `json:"clientId"`
	Name          string        `json:"name"`
	Priority      int           `json:"priority"`
	DeadLetter    bool          `json:"deadLetter"`
	Weighting     float64       `json:"weighting"`
	QueueLength   int64         `json:"queueLength"`
	Active        int64         `json:"active"`
	Errors        int64         `json:"errors"`
	LastPoll      time.Time     `json:"lastPoll"`
	SinceLastPoll time.Duration `json:"sinceLastPoll"`
	PollAttempts  int64         `json:"pollAttempts"`
	PollSuccesses int64         `json:"pollSuccesses"`
	Payloads      int64         `json:"payloads"`
	Reserved      bool          `json:"reserved"`
	BreakerOpen   bool          `json:"breakerOpen"`
}

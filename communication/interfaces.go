package communication

import (
	"context"
	"time"

	"github.com/glimte/mmate-comms/contracts"
)

// ListenerClient is one pollable queue of a listener
type ListenerClient interface {
	ID() string
	Name() string
	// Priority is the partition priority and selects the snapshot level.
	Priority() int
	Weighting() float64
	DeadLetter() bool
	// Poll returns at most max payloads. It may return none.
	Poll(ctx context.Context, max int) ([]*contracts.Payload, error)
	// Release is called once per poll after its task completes.
	Release(failed bool)
}

// QueueLengthReporter is implemented by clients that can report their
// backlog. Clients without it are estimated from their poll results.
type QueueLengthReporter interface {
	QueueLength(ctx context.Context) (int64, error)
}

// Listener is a transport adapter exposing pollable clients
type Listener interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Clients() []ListenerClient
	// Update reconfigures the messages the listener receives.
	Update(filters []contracts.MessageFilter) error
}

// Sender is a transport adapter that transmits outbound payloads
type Sender interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SupportsChannel(channelID string) bool
	ProcessMessage(ctx context.Context, payload *contracts.Payload) error
}

// Task is a unit of work submitted to an Executor. Complete is called
// exactly once after Execute returns, times out or is abandoned.
type Task struct {
	Name     string
	Priority int
	// Internal tasks are not counted against the offered capacity.
	Internal bool
	Timeout  time.Duration
	Context  any
	Execute  func(ctx context.Context) error
	Complete func(failed bool, err error)
}

// Executor runs tasks
type Executor interface {
	Submit(task *Task) error
}

// Availability reports the capacity offered for a priority level. A
// negative level means the executor already holds that many queued tasks.
type Availability interface {
	Level(priority int) int
}

// AvailabilityFunc adapts a function to Availability
type AvailabilityFunc func(priority int) int

// Level implements Availability
func (f AvailabilityFunc) Level(priority int) int { return f(priority) }

// Schedule is a handle for a registered periodic action
type Schedule struct {
	ID           string
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Internal     bool
}

// Scheduler runs periodic actions
type Scheduler interface {
	Register(action func(ctx context.Context) error, interval time.Duration, name string, initialDelay time.Duration, internal bool) *Schedule
	Unregister(schedule *Schedule) bool
}

// PayloadHandler executes a delivered payload. The container signals the
// payload from the handler result; handlers must not signal it themselves.
type PayloadHandler func(ctx context.Context, payload *contracts.Payload) error

// ClientBreaker guards the polls of one client
type ClientBreaker interface {
	Allow() bool
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// BreakerFactory creates the breaker of a newly registered client
type BreakerFactory func(client ListenerClient) ClientBreaker

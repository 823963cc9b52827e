package contracts

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ProcessOptions controls where a payload may be routed
type ProcessOptions uint8

const (
	// RouteExternal allows the payload to be sent through the registered senders
	RouteExternal ProcessOptions = 1 << iota
	// RouteInternal allows the payload to be executed by local commands
	RouteInternal
)

// DefaultProcessOptions routes both internally and externally
const DefaultProcessOptions = RouteExternal | RouteInternal

// Has reports whether the option is set
func (o ProcessOptions) Has(opt ProcessOptions) bool {
	return o&opt == opt
}

func (o ProcessOptions) String() string {
	switch o {
	case RouteExternal:
		return "external"
	case RouteInternal:
		return "internal"
	case DefaultProcessOptions:
		return "internal|external"
	default:
		return "none"
	}
}

// ReleaseFunc is called once when a payload completes
type ReleaseFunc func(success bool, payloadID string)

// TraceEntry is one step recorded against a traced payload
type TraceEntry struct {
	Timestamp time.Time
	Message   string
}

// Payload wraps exactly one Message for its lifetime in the platform.
type Payload struct {
	ID                string
	Message           *Message
	Source            string
	Options           ProcessOptions
	MaxProcessingTime time.Duration
	CreatedAt         time.Time

	release   ReleaseFunc
	signalled atomic.Bool
	success   atomic.Bool

	traceEnabled atomic.Bool
	traceMu      sync.Mutex
	trace        []TraceEntry
}

// PayloadOption configures a payload
type PayloadOption func(*Payload)

// WithRelease sets the release callback
func WithRelease(release ReleaseFunc) PayloadOption {
	return func(p *Payload) {
		p.release = release
	}
}

// WithProcessOptions sets the routing options
func WithProcessOptions(options ProcessOptions) PayloadOption {
	return func(p *Payload) {
		p.Options = options
	}
}

// WithSource sets the name of the component that produced the payload
func WithSource(source string) PayloadOption {
	return func(p *Payload) {
		p.Source = source
	}
}

// WithMaxProcessingTime sets the processing budget
func WithMaxProcessingTime(d time.Duration) PayloadOption {
	return func(p *Payload) {
		p.MaxProcessingTime = d
	}
}

// WithTrace enables tracing for the payload
func WithTrace() PayloadOption {
	return func(p *Payload) {
		p.traceEnabled.Store(true)
	}
}

// NewPayload wraps the message. A nil message is replaced with an empty one.
func NewPayload(msg *Message, options ...PayloadOption) *Payload {
	if msg == nil {
		msg = NewMessage(Header{})
	}

	p := &Payload{
		ID:        uuid.New().String(),
		Message:   msg,
		Options:   DefaultProcessOptions,
		CreatedAt: time.Now(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Signal completes the payload. The release callback runs on the first call
// only; later calls return false. A panic raised by the callback is
// recovered and returned as an error; the payload then counts as signalled
// and failed.
func (p *Payload) Signal(success bool) (fired bool, err error) {
	if !p.signalled.CompareAndSwap(false, true) {
		return false, nil
	}
	p.success.Store(success)

	if p.release == nil {
		return true, nil
	}

	defer func() {
		if r := recover(); r != nil {
			p.success.Store(false)
			err = fmt.Errorf("payload %s release panicked: %v", p.ID, r)
		}
	}()

	p.release(success, p.ID)
	return true, nil
}

// SignalSuccess signals successful completion
func (p *Payload) SignalSuccess() bool {
	fired, _ := p.Signal(true)
	return fired
}

// SignalFail signals failure. It is safe to call from error paths.
func (p *Payload) SignalFail() bool {
	fired, _ := p.Signal(false)
	return fired
}

// Signalled reports whether the payload has completed
func (p *Payload) Signalled() bool {
	return p.signalled.Load()
}

// Succeeded reports whether the payload completed successfully
func (p *Payload) Succeeded() bool {
	return p.signalled.Load() && p.success.Load()
}

// EnableTrace switches tracing on
func (p *Payload) EnableTrace() {
	p.traceEnabled.Store(true)
}

// TraceEnabled reports whether tracing is on
func (p *Payload) TraceEnabled() bool {
	return p.traceEnabled.Load()
}

// TraceWrite appends a trace entry when tracing is on
func (p *Payload) TraceWrite(message string) {
	if !p.traceEnabled.Load() {
		return
	}

	p.traceMu.Lock()
	p.trace = append(p.trace, TraceEntry{Timestamp: time.Now(), Message: message})
	p.traceMu.Unlock()
}

// Trace returns a copy of the trace entries
func (p *Payload) Trace() []TraceEntry {
	p.traceMu.Lock()
	defer p.traceMu.Unlock()

	out := make([]TraceEntry, len(p.trace))
	copy(out, p.trace)
	return out
}

// String returns a short description used in log entries
func (p *Payload) String() string {
	return fmt.Sprintf("payload %s %s", p.ID, p.Message)
}

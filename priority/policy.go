package priority

import "fmt"

// Key orders clients within a level. A higher Base always ranks first;
// Score breaks ties within a base.
type Key struct {
	Base  int
	Score float64
}

// Less reports whether k ranks after other
func (k Key) Less(other Key) bool {
	if k.Base != other.Base {
		return k.Base < other.Base
	}
	return k.Score < other.Score
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%.3f", k.Base, k.Score)
}

// Policy decides slot grants, skips and ordering for listener clients.
// ShouldSkip and CalculatePriority run once per client per rebuild;
// CalculateSlots runs on every reservation attempt.
type Policy interface {
	Name() string
	CalculateSlots(available int, m MetricsSnapshot) int
	ShouldSkip(m MetricsSnapshot) bool
	CalculatePriority(m MetricsSnapshot) Key
}

const (
	// BaseDeadLetter is the key base of dead-letter clients
	BaseDeadLetter = 0
	// BaseNormal is the key base of regular clients
	BaseNormal = 1
)

// DefaultPolicy favours starved and busy clients. The score is the time
// since the last poll in milliseconds plus the queue length, multiplied by
// the client weighting. Dead-letter clients always rank below regular ones.
type DefaultPolicy struct {
	// MaxSlotsPerClient caps a single grant. Zero means no cap.
	MaxSlotsPerClient int
}

// NewDefaultPolicy creates the default policy
func NewDefaultPolicy(maxSlotsPerClient int) *DefaultPolicy {
	return &DefaultPolicy{MaxSlotsPerClient: maxSlotsPerClient}
}

// Name implements Policy
func (p *DefaultPolicy) Name() string { return "default" }

// CalculateSlots grants one slot per queued message, at least one and at
// most available.
func (p *DefaultPolicy) CalculateSlots(available int, m MetricsSnapshot) int {
	if available <= 0 {
		return 0
	}

	slots := int(m.QueueLength)
	if m.QueueLength > int64(available) {
		slots = available
	}
	if slots < 1 {
		slots = 1
	}
	if p.MaxSlotsPerClient > 0 && slots > p.MaxSlotsPerClient {
		slots = p.MaxSlotsPerClient
	}
	return slots
}

// ShouldSkip skips clients whose circuit is open
func (p *DefaultPolicy) ShouldSkip(m MetricsSnapshot) bool {
	return m.BreakerOpen
}

// CalculatePriority implements Policy
func (p *DefaultPolicy) CalculatePriority(m MetricsSnapshot) Key {
	base := BaseNormal
	if m.DeadLetter {
		base = BaseDeadLetter
	}

	score := (float64(m.SinceLastPoll.Milliseconds()) + float64(m.QueueLength)) * m.Weighting
	return Key{Base: base, Score: score}
}

// SingleClientPolicy grants every available slot to whichever client is
// reached first and orders by weighting only. It suits services with a
// single listener client per level.
type SingleClientPolicy struct{}

// Name implements Policy
func (SingleClientPolicy) Name() string { return "single-client" }

// CalculateSlots implements Policy
func (SingleClientPolicy) CalculateSlots(available int, _ MetricsSnapshot) int {
	if available < 0 {
		return 0
	}
	return available
}

// ShouldSkip implements Policy
func (SingleClientPolicy) ShouldSkip(MetricsSnapshot) bool { return false }

// CalculatePriority implements Policy
func (SingleClientPolicy) CalculatePriority(m MetricsSnapshot) Key {
	if m.DeadLetter {
		return Key{Base: BaseDeadLetter, Score: m.Weighting}
	}
	return Key{Base: BaseNormal, Score: m.Weighting}
}

// PolicyByName returns a policy by its configured name
func PolicyByName(name string, maxSlotsPerClient int) (Policy, error) {
	switch name {
	case "", "default":
		return NewDefaultPolicy(maxSlotsPerClient), nil
	case "single-client":
		return SingleClientPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown priority policy %q", name)
	}
}

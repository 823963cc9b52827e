package priority

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one ranked client in a snapshot
type Entry struct {
	Key     Key
	Metrics MetricsSnapshot

	live *Metrics
}

// Snapshot is an immutable ranked view of the listener clients. Only the
// reservation flags of the live metrics change after it is built.
type Snapshot struct {
	iteration int64
	created   time.Time
	policy    Policy
	levels    []int
	entries   map[int][]*Entry
	count     int
	skipped   int
	closed    atomic.Bool
	now       func() time.Time
}

// Build ranks the clients with the policy. A panicking policy is reported
// as an error and no snapshot is returned.
func Build(iteration int64, clients []*Metrics, policy Policy, now time.Time) (s *Snapshot, err error) {
	if policy == nil {
		return nil, fmt.Errorf("priority: snapshot %d: policy is required", iteration)
	}

	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = fmt.Errorf("priority: snapshot %d: policy %s panicked: %v", iteration, policy.Name(), r)
		}
	}()

	s = &Snapshot{
		iteration: iteration,
		created:   now,
		policy:    policy,
		entries:   make(map[int][]*Entry),
		now:       time.Now,
	}

	for _, m := range clients {
		if m == nil {
			continue
		}
		ms := m.Snapshot(now)
		if policy.ShouldSkip(ms) {
			s.skipped++
			continue
		}
		e := &Entry{Key: policy.CalculatePriority(ms), Metrics: ms, live: m}
		s.entries[ms.Priority] = append(s.entries[ms.Priority], e)
		s.count++
	}

	for level, list := range s.entries {
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if a.Key != b.Key {
				return b.Key.Less(a.Key)
			}
			return a.Metrics.ClientID < b.Metrics.ClientID
		})
		s.levels = append(s.levels, level)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(s.levels)))

	return s, nil
}

// Iteration returns the rebuild number the snapshot was built for
func (s *Snapshot) Iteration() int64 { return s.iteration }

// Created returns the build time
func (s *Snapshot) Created() time.Time { return s.created }

// PolicyName returns the name of the policy that ranked the snapshot
func (s *Snapshot) PolicyName() string { return s.policy.Name() }

// Count returns the number of ranked clients
func (s *Snapshot) Count() int { return s.count }

// Skipped returns the number of clients the policy skipped
func (s *Snapshot) Skipped() int { return s.skipped }

// IsEmpty reports whether no client was ranked
func (s *Snapshot) IsEmpty() bool { return s.count == 0 }

// Levels returns the levels in descending order
func (s *Snapshot) Levels() []int {
	out := make([]int, len(s.levels))
	copy(out, s.levels)
	return out
}

// Entries returns the ranked clients of a level, best first
func (s *Snapshot) Entries(level int) []Entry {
	list := s.entries[level]
	out := make([]Entry, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}

// Close stops the snapshot from granting reservations. Reservations already
// taken stay valid. It reports whether this call closed the snapshot.
func (s *Snapshot) Close() bool {
	return s.closed.CompareAndSwap(false, true)
}

// IsClosed reports whether the snapshot has been closed
func (s *Snapshot) IsClosed() bool { return s.closed.Load() }

// TakeNext reserves the best ranked client of the level that has no poll
// in flight and is granted at least one slot. Slots are bounded by
// available.
func (s *Snapshot) TakeNext(level, available int) (*Reservation, bool) {
	if available <= 0 || s.closed.Load() {
		return nil, false
	}

	now := s.now()
	for _, e := range s.entries[level] {
		if !e.live.tryReserve() {
			continue
		}

		slots := s.calculateSlots(available, e.live.Snapshot(now))
		if slots > available {
			slots = available
		}
		if slots <= 0 {
			e.live.unreserve()
			continue
		}

		if s.closed.Load() {
			e.live.unreserve()
			return nil, false
		}

		return &Reservation{
			Metrics:   e.live,
			Slots:     slots,
			Level:     level,
			Key:       e.Key,
			Iteration: s.iteration,
		}, true
	}

	return nil, false
}

func (s *Snapshot) calculateSlots(available int, ms MetricsSnapshot) (slots int) {
	defer func() {
		if r := recover(); r != nil {
			slots = 0
		}
	}()
	return s.policy.CalculateSlots(available, ms)
}

// Reservation is a granted poll for one client
type Reservation struct {
	Metrics   *Metrics
	Slots     int
	Level     int
	Key       Key
	Iteration int64

	once sync.Once
}

// ClientID returns the reserved client id
func (r *Reservation) ClientID() string { return r.Metrics.ClientID() }

// Release frees the client for the next reservation. Only the first call
// has an effect and reports true.
func (r *Reservation) Release() bool {
	released := false
	r.once.Do(func() {
		r.Metrics.unreserve()
		released = true
	})
	return released
}

func (r *Reservation) String() string {
	return fmt.Sprintf("reservation %s level=%d slots=%d iteration=%d", r.ClientID(), r.Level, r.Slots, r.Iteration)
}

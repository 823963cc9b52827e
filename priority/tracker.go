package priority

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tracker holds the live metrics of every registered client
type Tracker struct {
	mu      sync.RWMutex
	clients map[string]*Metrics
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{clients: make(map[string]*Metrics)}
}

// Add registers a client's metrics
func (t *Tracker) Add(m *Metrics) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.clients[m.ClientID()]; exists {
		return fmt.Errorf("priority: client %s already tracked", m.ClientID())
	}
	t.clients[m.ClientID()] = m
	return nil
}

// Remove unregisters a client. It reports whether the client was tracked.
func (t *Tracker) Remove(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.clients[clientID]; !exists {
		return false
	}
	delete(t.clients, clientID)
	return true
}

// Get returns a client's metrics
func (t *Tracker) Get(clientID string) (*Metrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.clients[clientID]
	return m, ok
}

// List returns the tracked metrics ordered by client id
func (t *Tracker) List() []*Metrics {
	t.mu.RLock()
	out := make([]*Metrics, 0, len(t.clients))
	for _, m := range t.clients {
		out = append(out, m)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID() < out[j].ClientID() })
	return out
}

// Len returns the number of tracked clients
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Snapshots returns a copy of every tracked record
func (t *Tracker) Snapshots(now time.Time) []MetricsSnapshot {
	list := t.List()
	out := make([]MetricsSnapshot, len(list))
	for i, m := range list {
		out[i] = m.Snapshot(now)
	}
	return out
}

// Package memory is an in-process transport. A Broker holds named FIFO
// queues shared by the listeners and senders created on it.
package memory

import (
	"strings"
	"sync"
)

// Broker is a set of in-memory queues
type Broker struct {
	mu     sync.Mutex
	queues map[string][][]byte
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{queues: make(map[string][][]byte)}
}

// Push appends data to the queue
func (b *Broker) Push(queue string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.ToLower(queue)
	b.queues[key] = append(b.queues[key], data)
}

// Pop removes up to max entries from the head of the queue
func (b *Broker) Pop(queue string, max int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := strings.ToLower(queue)
	q := b.queues[key]
	if max > len(q) {
		max = len(q)
	}
	if max <= 0 {
		return nil
	}

	out := make([][]byte, max)
	copy(out, q[:max])
	b.queues[key] = q[max:]
	return out
}

// Len returns the number of queued entries
func (b *Broker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[strings.ToLower(queue)])
}

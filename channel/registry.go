package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/mmate-comms/contracts"
)

type registryKey struct {
	direction Direction
	id        string
}

// Registry holds the channels of a service keyed by direction and id.
// Channel ids are case insensitive.
type Registry struct {
	mu       sync.RWMutex
	channels map[registryKey]*Channel
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[registryKey]*Channel),
	}
}

func keyFor(direction Direction, id string) registryKey {
	return registryKey{direction: direction, id: strings.ToLower(id)}
}

// Add registers a channel
func (r *Registry) Add(ch *Channel) error {
	if ch == nil {
		return fmt.Errorf("channel cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := keyFor(ch.Direction(), ch.ID())
	if _, exists := r.channels[key]; exists {
		return fmt.Errorf("%s: %w", ch, ErrChannelExists)
	}
	r.channels[key] = ch
	return nil
}

// Create builds and registers a channel
func (r *Registry) Create(id string, direction Direction, opts ...Option) (*Channel, error) {
	ch, err := New(id, direction, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Add(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Get returns the channel registered for the direction and id
func (r *Registry) Get(direction Direction, id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[keyFor(direction, id)]
	return ch, ok
}

// Remove unregisters a channel
func (r *Registry) Remove(direction Direction, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := keyFor(direction, id)
	if _, exists := r.channels[key]; !exists {
		return fmt.Errorf("%s channel %s: %w", direction, id, ErrChannelNotFound)
	}
	delete(r.channels, key)
	return nil
}

// List returns the channels of one direction ordered by id
func (r *Registry) List(direction Direction) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Channel
	for key, ch := range r.channels {
		if key.direction == direction {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Redirect applies the redirect rules of the channel the payload is
// addressed to. Unknown channels are left untouched.
func (r *Registry) Redirect(direction Direction, payload *contracts.Payload) bool {
	if payload == nil || payload.Message == nil {
		return false
	}
	ch, ok := r.Get(direction, payload.Message.Header.ChannelID)
	if !ok {
		return false
	}
	return ch.Redirect(payload)
}

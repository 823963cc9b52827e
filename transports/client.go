package transports

import (
	"strconv"
	"strings"
	"sync"

	"github.com/glimte/mmate-comms/contracts"
)

// ClientInfo carries the identity of a partition client. Transport clients
// embed it for the metadata half of communication.ListenerClient.
type ClientInfo struct {
	Partition Partition
	id        string
	name      string
}

// NewClientInfo names the client of a partition
func NewClientInfo(listener string, p Partition) ClientInfo {
	return ClientInfo{
		Partition: p,
		id:        strings.ToLower(listener) + "/" + p.Queue,
		name:      listener + " " + p.Queue,
	}
}

func (c ClientInfo) ID() string         { return c.id }
func (c ClientInfo) Name() string       { return c.name }
func (c ClientInfo) Priority() int      { return c.Partition.Priority }
func (c ClientInfo) Weighting() float64 { return c.Partition.Weighting }
func (c ClientInfo) DeadLetter() bool   { return c.Partition.DeadLetter }
func (c ClientInfo) ChannelID() string  { return c.Partition.ChannelID }
func (c ClientInfo) String() string     { return c.name + " (p" + strconv.Itoa(c.Partition.Priority) + ")" }

// Subscription tracks the channels a listener currently receives
type Subscription struct {
	mu     sync.RWMutex
	active map[string]bool
}

// NewSubscription creates a subscription that receives nothing until Update
func NewSubscription() *Subscription {
	return &Subscription{active: make(map[string]bool)}
}

// Update replaces the active channels with those named by the filters
func (s *Subscription) Update(filters []contracts.MessageFilter) {
	active := make(map[string]bool, len(filters))
	for _, id := range contracts.ChannelIDs(filters) {
		active[strings.ToLower(id)] = true
	}

	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// Active reports whether the channel is received
func (s *Subscription) Active(channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[strings.ToLower(channelID)]
}

package communication

import (
	"time"

	"github.com/glimte/mmate-comms/priority"
)

// Statistics is a point-in-time view of the container
type Statistics struct {
	Running           bool                       `json:"running"`
	ReservedSlots     int64                      `json:"reservedSlots"`
	AllowedOverage    int                        `json:"allowedOverage"`
	Iteration         int64                      `json:"iteration"`
	SnapshotIteration int64                      `json:"snapshotIteration"`
	SnapshotClients   int                        `json:"snapshotClients"`
	Levels            []int                      `json:"levels"`
	Policy            string                     `json:"policy"`
	Senders           int                        `json:"senders"`
	Listeners         int                        `json:"listeners"`
	Clients           []priority.MetricsSnapshot `json:"clients"`
	DeadLetterClients []priority.MetricsSnapshot `json:"deadLetterClients"`
}

// Statistics returns the current container statistics
func (c *Container) Statistics() Statistics {
	c.mu.RLock()
	stats := Statistics{
		Running:        c.running.Load(),
		ReservedSlots:  c.reserved.Load(),
		AllowedOverage: c.cfg.AllowedOverage,
		Iteration:      c.iteration.Load(),
		Policy:         c.policy.Name(),
		Senders:        len(c.senders),
		Listeners:      len(c.listeners),
	}
	c.mu.RUnlock()

	if snap := c.snapshot.Load(); snap != nil {
		stats.SnapshotIteration = snap.Iteration()
		stats.SnapshotClients = snap.Count()
		stats.Levels = snap.Levels()
	}

	for _, m := range c.tracker.Snapshots(time.Now()) {
		if m.DeadLetter {
			stats.DeadLetterClients = append(stats.DeadLetterClients, m)
		} else {
			stats.Clients = append(stats.Clients, m)
		}
	}

	return stats
}

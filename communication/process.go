package communication

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/priority"
)

// Process drains the current snapshot against the offered capacity and
// returns the number of poll tasks submitted. Levels are drained in
// descending order; for each level at most offered+overage slots are held
// by in-flight polls. It never blocks.
func (c *Container) Process(availability Availability) int {
	snap := c.snapshot.Load()
	if snap == nil || snap.IsEmpty() || !c.CanProcess() {
		return 0
	}

	submitted := 0
	for _, level := range snap.Levels() {
		limit := int64(availability.Level(level) + c.cfg.AllowedOverage)

		for c.running.Load() && !snap.IsClosed() {
			available := limit - c.reserved.Load()
			if available <= 0 {
				break
			}

			r, ok := snap.TakeNext(level, int(available))
			if !ok {
				break
			}

			if !c.reserve(int64(r.Slots), limit) {
				r.Release()
				continue
			}

			if err := c.submitPoll(r); err != nil {
				c.unreserve(int64(r.Slots))
				r.Release()
				c.logger.Error("Poll submit failed", "clientId", r.ClientID(), "error", err)
				break
			}
			submitted++
		}
	}

	return submitted
}

// reserve adds n to the reserved slots unless that would exceed limit
func (c *Container) reserve(n, limit int64) bool {
	for {
		current := c.reserved.Load()
		if current+n > limit {
			return false
		}
		if c.reserved.CompareAndSwap(current, current+n) {
			c.recorder.ReservedSlots(current + n)
			return true
		}
	}
}

func (c *Container) unreserve(n int64) {
	c.recorder.ReservedSlots(c.reserved.Add(-n))
}

func (c *Container) submitPoll(r *priority.Reservation) error {
	st, ok := c.client(r.ClientID())
	if !ok {
		return fmt.Errorf("%s: %w", r.ClientID(), ErrClientNotFound)
	}

	task := &Task{
		Name:     "poll " + st.client.Name(),
		Priority: r.Level,
		Internal: true,
		Timeout:  c.cfg.PollTimeout,
		Context:  r,
		Execute: func(ctx context.Context) error {
			return c.poll(ctx, st, r)
		},
		Complete: func(failed bool, err error) {
			c.pollComplete(st, r, failed, err)
		},
	}
	return c.executor.Submit(task)
}

func (c *Container) poll(ctx context.Context, st *clientState, r *priority.Reservation) error {
	st.metrics.PollBegin(time.Now())

	run := func(ctx context.Context) error {
		payloads, err := st.client.Poll(ctx, r.Slots)
		for _, p := range payloads {
			c.payloadSubmit(st, p)
		}

		st.metrics.PollComplete(len(payloads), err != nil)
		if _, reports := st.client.(QueueLengthReporter); !reports && err == nil {
			st.metrics.SetQueueLength(int64(len(payloads)))
		}
		c.recorder.PollCompleted(st.client.ID(), len(payloads), err)

		if err != nil {
			return fmt.Errorf("poll %s: %w", st.client.ID(), err)
		}
		return nil
	}

	if st.breaker != nil {
		return st.breaker.Execute(ctx, run)
	}
	return run(ctx)
}

// pollComplete returns the reservation whatever the outcome
func (c *Container) pollComplete(st *clientState, r *priority.Reservation, failed bool, err error) {
	if r.Release() {
		c.unreserve(int64(r.Slots))
	}

	if failed {
		c.logger.Warn("Poll failed", "clientId", st.client.ID(), "slots", r.Slots, "error", err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Client release panicked", "clientId", st.client.ID(), "panic", rec)
		}
	}()
	st.client.Release(failed)
}

func (c *Container) payloadSubmit(st *clientState, p *contracts.Payload) {
	if p == nil {
		return
	}
	if p.Message == nil {
		p.Message = contracts.NewMessage(contracts.Header{})
	}

	msg := p.Message
	if msg.ChannelPriority < 0 {
		msg.ChannelPriority = 0
	}

	if !msg.EnqueuedAt.IsZero() {
		waited := time.Since(msg.EnqueuedAt)
		c.recorder.QueueTime(msg.Header.ChannelID, waited)
		c.logger.Debug("Payload received",
			"clientId", st.client.ID(),
			"payloadId", p.ID,
			"header", msg.Header.String(),
			"queueTime", waited)
	}
	p.TraceWrite("received from " + st.client.Name())

	st.metrics.ActiveIncrement()
	start := time.Now()

	task := &Task{
		Name:     "process " + msg.Header.String(),
		Priority: msg.ChannelPriority,
		Timeout:  p.MaxProcessingTime,
		Context:  p,
		Execute: func(ctx context.Context) error {
			return c.handler(ctx, p)
		},
		Complete: func(failed bool, err error) {
			c.payloadComplete(st, p, start, failed, err)
		},
	}

	if err := c.executor.Submit(task); err != nil {
		c.logger.Error("Payload submit failed", "payloadId", p.ID, "error", err)
		c.payloadComplete(st, p, start, true, err)
	}
}

func (c *Container) payloadComplete(st *clientState, p *contracts.Payload, start time.Time, failed bool, err error) {
	st.metrics.ActiveDecrement()
	if failed {
		st.metrics.ErrorIncrement()
		c.logger.Warn("Payload processing failed", "payloadId", p.ID, "header", p.Message.Header.String(), "error", err)
	}
	c.recorder.PayloadCompleted(p.Message.Header.ChannelID, !failed, time.Since(start))

	c.signal(p, !failed)
}

// signal completes the payload. A failing release callback is logged and
// leaves the payload signalled as failed.
func (c *Container) signal(p *contracts.Payload, success bool) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Payload signal panicked", "payloadId", p.ID, "panic", rec)
			p.SignalFail()
		}
	}()

	if _, err := p.Signal(success); err != nil {
		c.logger.Error("Payload release failed", "payloadId", p.ID, "error", err)
		p.SignalFail()
	}
}

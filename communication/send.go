package communication

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/mmate-comms/channel"
	"github.com/glimte/mmate-comms/contracts"
	"golang.org/x/sync/errgroup"
)

// Send transmits the payload through every sender that supports its
// channel and waits for all of them. Outgoing redirects are applied first.
// It returns false when no sender supports the channel or any sender
// fails; failures are logged and never returned.
func (c *Container) Send(ctx context.Context, payload *contracts.Payload) (ok bool) {
	if payload == nil || payload.Message == nil {
		c.logger.Warn("Send called without a message")
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Send panicked", "payloadId", payload.ID, "panic", rec)
			ok = false
		}
		c.recorder.Sent(payload.Message.Header.ChannelID, ok)
	}()

	if c.channels != nil {
		c.channels.Redirect(channel.Outgoing, payload)
	}

	channelID := payload.Message.Header.ChannelID
	senders := c.resolveSenders(channelID)
	if len(senders) == 0 {
		c.logger.Info("No sender supports channel", "channelId", channelID, "payloadId", payload.ID)
		return false
	}

	if payload.Message.OriginatorServiceID == "" {
		payload.Message.OriginatorServiceID = c.cfg.OriginatorID
	}

	var g errgroup.Group
	for _, s := range senders {
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("sender %s panicked: %v", s.Name(), rec)
				}
			}()
			if err := s.ProcessMessage(ctx, payload); err != nil {
				return fmt.Errorf("sender %s: %w", s.Name(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Error("Send failed", "channelId", channelID, "payloadId", payload.ID, "error", err)
		return false
	}

	payload.TraceWrite(fmt.Sprintf("sent to %d sender(s) on %s", len(senders), channelID))
	return true
}

// resolveSenders returns the senders of a channel. Results are cached per
// channel until the sender list changes.
func (c *Container) resolveSenders(channelID string) []Sender {
	key := strings.ToLower(channelID)
	cache := c.senderCache.Load()
	if v, ok := cache.Load(key); ok {
		return v.([]Sender)
	}

	c.mu.RLock()
	var matched []Sender
	for _, s := range c.senders {
		if s.SupportsChannel(channelID) {
			matched = append(matched, s)
		}
	}
	c.mu.RUnlock()

	cache.Store(key, matched)
	return matched
}

func newSenderCache() *sync.Map { return new(sync.Map) }

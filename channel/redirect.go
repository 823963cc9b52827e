package channel

import (
	"sort"
	"strings"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/google/uuid"
)

// RedirectRule rewrites headers that match Match. Empty Target fields keep
// the value of the incoming header.
type RedirectRule struct {
	ID     string           `yaml:"id"`
	Match  contracts.Header `yaml:"match"`
	Target contracts.Header `yaml:"target"`
}

// NewRedirectRule creates a rule with a generated id
func NewRedirectRule(match, target contracts.Header) RedirectRule {
	return RedirectRule{
		ID:     uuid.New().String(),
		Match:  match,
		Target: target,
	}
}

// Matches reports whether the rule applies to the header
func (r RedirectRule) Matches(h contracts.Header) bool {
	return h.Matches(r.Match)
}

// Apply returns the header rewritten by the rule
func (r RedirectRule) Apply(h contracts.Header) contracts.Header {
	out := h
	if r.Target.ChannelID != "" {
		out.ChannelID = r.Target.ChannelID
	}
	if r.Target.MessageType != "" {
		out.MessageType = r.Target.MessageType
	}
	if r.Target.ActionType != "" {
		out.ActionType = r.Target.ActionType
	}
	return out
}

type redirectEntry struct {
	rule RedirectRule
	seq  uint64
}

// RedirectAdd adds the rule. It returns false if a rule with the same id exists.
func (c *Channel) RedirectAdd(rule RedirectRule) bool {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.rules[rule.ID]; exists {
		return false
	}

	c.seq++
	c.rules[rule.ID] = &redirectEntry{rule: rule, seq: c.seq}
	c.cache = make(map[contracts.Header]string)
	return true
}

// RedirectRemove removes the rule. It returns false if no rule has the id.
func (c *Channel) RedirectRemove(ruleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.rules[ruleID]; !exists {
		return false
	}

	delete(c.rules, ruleID)
	c.cache = make(map[contracts.Header]string)
	if len(c.rules) == 0 {
		c.seq = 0
	}
	return true
}

// CouldRedirect reports whether any rule is registered
func (c *Channel) CouldRedirect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules) > 0
}

// Redirects returns the rules in insertion order
func (c *Channel) Redirects() []RedirectRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := c.orderedRules()
	out := make([]RedirectRule, len(entries))
	for i, e := range entries {
		out[i] = e.rule
	}
	return out
}

// maxResolveCache bounds the resolve cache. A full cache is dropped.
const maxResolveCache = 1024

// resolveKey folds case so header variants share one cache entry
func resolveKey(h contracts.Header) contracts.Header {
	return contracts.Header{
		ChannelID:   strings.ToLower(h.ChannelID),
		MessageType: strings.ToLower(h.MessageType),
		ActionType:  strings.ToLower(h.ActionType),
	}
}

// Resolve returns the header a message with h would be redirected to
func (c *Channel) Resolve(h contracts.Header) (contracts.Header, bool) {
	key := resolveKey(h)

	c.mu.RLock()
	ruleID, cached := c.cache[key]
	if cached {
		defer c.mu.RUnlock()
		if ruleID == "" {
			return h, false
		}
		return c.rules[ruleID].rule.Apply(h), true
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cache) >= maxResolveCache {
		c.cache = make(map[contracts.Header]string)
	}
	entry := c.bestMatch(h)
	if entry == nil {
		c.cache[key] = ""
		return h, false
	}
	c.cache[key] = entry.rule.ID
	return entry.rule.Apply(h), true
}

// Redirect rewrites the payload header when a rule matches. It reports
// whether the header changed.
func (c *Channel) Redirect(payload *contracts.Payload) bool {
	if payload == nil || payload.Message == nil || !c.CouldRedirect() {
		return false
	}

	original := payload.Message.Header
	target, ok := c.Resolve(original)
	if !ok || target == original {
		return false
	}

	payload.Message.Header = target
	payload.TraceWrite("channel " + c.id + " redirected " + original.String() + " to " + target.String())
	c.logger.Debug("Payload redirected",
		"channelId", c.id,
		"payloadId", payload.ID,
		"from", original.String(),
		"to", target.String())
	return true
}

// bestMatch must be called with the lock held
func (c *Channel) bestMatch(h contracts.Header) *redirectEntry {
	var best *redirectEntry
	for _, e := range c.orderedRules() {
		if !e.rule.Matches(h) {
			continue
		}
		if best == nil || e.rule.Match.Specificity() > best.rule.Match.Specificity() {
			best = e
		}
	}
	return best
}

func (c *Channel) orderedRules() []*redirectEntry {
	entries := make([]*redirectEntry, 0, len(c.rules))
	for _, e := range c.rules {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

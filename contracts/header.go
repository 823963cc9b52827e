package contracts

import (
	"fmt"
	"strings"
)

// Header identifies a message route. It is a comparable value type and is
// used as a routing key and as a cache key.
type Header struct {
	ChannelID   string `json:"channelId" yaml:"channel"`
	MessageType string `json:"messageType,omitempty" yaml:"messageType,omitempty"`
	ActionType  string `json:"actionType,omitempty" yaml:"actionType,omitempty"`
}

// NewHeader creates a new header
func NewHeader(channelID, messageType, actionType string) Header {
	return Header{
		ChannelID:   channelID,
		MessageType: messageType,
		ActionType:  actionType,
	}
}

// ParseHeader parses the "channel/type/action" form produced by String.
// Trailing segments may be omitted.
func ParseHeader(s string) (Header, error) {
	if s == "" {
		return Header{}, fmt.Errorf("header cannot be empty")
	}

	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return Header{}, fmt.Errorf("invalid header %q: too many segments", s)
	}

	var h Header
	h.ChannelID = parts[0]
	if len(parts) > 1 {
		h.MessageType = parts[1]
	}
	if len(parts) > 2 {
		h.ActionType = parts[2]
	}

	if h.ChannelID == "" {
		return Header{}, fmt.Errorf("invalid header %q: channel id is required", s)
	}

	return h, nil
}

// String returns the header in "channel/type/action" form
func (h Header) String() string {
	return h.ChannelID + "/" + h.MessageType + "/" + h.ActionType
}

// IsZero reports whether no field is set
func (h Header) IsZero() bool {
	return h == Header{}
}

// Matches reports whether h satisfies the partial header filter.
// Empty filter fields match any value.
func (h Header) Matches(filter Header) bool {
	if filter.ChannelID != "" && !strings.EqualFold(filter.ChannelID, h.ChannelID) {
		return false
	}
	if filter.MessageType != "" && !strings.EqualFold(filter.MessageType, h.MessageType) {
		return false
	}
	if filter.ActionType != "" && !strings.EqualFold(filter.ActionType, h.ActionType) {
		return false
	}
	return true
}

// Specificity returns the number of non-empty fields
func (h Header) Specificity() int {
	n := 0
	if h.ChannelID != "" {
		n++
	}
	if h.MessageType != "" {
		n++
	}
	if h.ActionType != "" {
		n++
	}
	return n
}

// MessageFilter describes a message type a command is able to receive.
// ClientID optionally restricts the filter to messages addressed to one
// originator, which is how response channels are scoped.
type MessageFilter struct {
	Header   Header `json:"header"`
	ClientID string `json:"clientId,omitempty"`
}

// NewMessageFilter creates a filter for the header
func NewMessageFilter(header Header) MessageFilter {
	return MessageFilter{Header: header}
}

// Accepts reports whether the message satisfies the filter
func (f MessageFilter) Accepts(msg *Message) bool {
	if msg == nil {
		return false
	}
	if !msg.Header.Matches(f.Header) {
		return false
	}
	if f.ClientID != "" && !strings.EqualFold(f.ClientID, msg.OriginatorServiceID) {
		return false
	}
	return true
}

// ChannelIDs returns the distinct channel ids referenced by the filters
func ChannelIDs(filters []MessageFilter) []string {
	seen := make(map[string]struct{}, len(filters))
	ids := make([]string, 0, len(filters))
	for _, f := range filters {
		key := strings.ToLower(f.Header.ChannelID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, f.Header.ChannelID)
	}
	return ids
}

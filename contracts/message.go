package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultChannelPriority is the priority assigned to new messages
const DefaultChannelPriority = 1

// Message is the routing header plus delivery metadata for one unit of work.
// A message is mutable until it has been dispatched.
type Message struct {
	ID                      string    `json:"id"`
	Header                  Header    `json:"header"`
	ResponseHeader          *Header   `json:"responseHeader,omitempty"`
	ResponseChannelPriority int       `json:"responseChannelPriority,omitempty"`
	Body                    []byte    `json:"body,omitempty"`
	OriginatorServiceID     string    `json:"originatorServiceId,omitempty"`
	CorrelationKey          string    `json:"correlationKey,omitempty"`
	ChannelPriority         int       `json:"channelPriority"`
	DeliveryCount           int       `json:"deliveryCount"`
	EnqueuedAt              time.Time `json:"enqueuedAt"`
}

// MessageOption configures a message
type MessageOption func(*Message)

// WithResponseHeader sets the response header and its channel priority
func WithResponseHeader(header Header, priority int) MessageOption {
	return func(m *Message) {
		h := header
		m.ResponseHeader = &h
		m.ResponseChannelPriority = priority
	}
}

// WithChannelPriority sets the channel priority
func WithChannelPriority(priority int) MessageOption {
	return func(m *Message) {
		m.ChannelPriority = priority
	}
}

// WithOriginator sets the originator service id
func WithOriginator(originatorID string) MessageOption {
	return func(m *Message) {
		m.OriginatorServiceID = originatorID
	}
}

// WithCorrelationKey sets the correlation key
func WithCorrelationKey(key string) MessageOption {
	return func(m *Message) {
		m.CorrelationKey = key
	}
}

// WithBody sets the serialized body
func WithBody(body []byte) MessageOption {
	return func(m *Message) {
		m.Body = body
	}
}

// NewMessage creates a new message for the header with a generated id
func NewMessage(header Header, options ...MessageOption) *Message {
	m := &Message{
		ID:              uuid.New().String(),
		Header:          header,
		ChannelPriority: DefaultChannelPriority,
		EnqueuedAt:      time.Now().UTC(),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	c := *m
	if m.ResponseHeader != nil {
		h := *m.ResponseHeader
		c.ResponseHeader = &h
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// String returns a short description used in log entries
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s [%s] priority=%d deliveries=%d", m.Header, m.ID, m.ChannelPriority, m.DeliveryCount)
}

package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON form in which the bundled transports carry messages.
// The body is opaque and travels base64 encoded.
type Envelope struct {
	ID                      string  `json:"id"`
	ChannelID               string  `json:"channelId"`
	MessageType             string  `json:"messageType,omitempty"`
	ActionType              string  `json:"actionType,omitempty"`
	Timestamp               string  `json:"timestamp"`
	CorrelationKey          string  `json:"correlationKey,omitempty"`
	OriginatorServiceID     string  `json:"originatorServiceId,omitempty"`
	ResponseHeader          *Header `json:"responseHeader,omitempty"`
	ResponseChannelPriority int     `json:"responseChannelPriority,omitempty"`
	ChannelPriority         int     `json:"channelPriority"`
	DeliveryCount           int     `json:"deliveryCount"`
	Body                    []byte  `json:"body,omitempty"`
}

// NewEnvelope converts a message to its wire form
func NewEnvelope(msg *Message) *Envelope {
	env := &Envelope{
		ID:                      msg.ID,
		ChannelID:               msg.Header.ChannelID,
		MessageType:             msg.Header.MessageType,
		ActionType:              msg.Header.ActionType,
		Timestamp:               msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		CorrelationKey:          msg.CorrelationKey,
		OriginatorServiceID:     msg.OriginatorServiceID,
		ResponseHeader:          msg.ResponseHeader,
		ResponseChannelPriority: msg.ResponseChannelPriority,
		ChannelPriority:         msg.ChannelPriority,
		DeliveryCount:           msg.DeliveryCount,
		Body:                    msg.Body,
	}

	return env
}

// Message converts the envelope back to a message
func (e *Envelope) Message() (*Message, error) {
	if e.ChannelID == "" {
		return nil, fmt.Errorf("envelope %s: %w", e.ID, ErrMissingChannelID)
	}

	msg := &Message{
		ID:                      e.ID,
		Header:                  NewHeader(e.ChannelID, e.MessageType, e.ActionType),
		ResponseHeader:          e.ResponseHeader,
		ResponseChannelPriority: e.ResponseChannelPriority,
		OriginatorServiceID:     e.OriginatorServiceID,
		CorrelationKey:          e.CorrelationKey,
		ChannelPriority:         e.ChannelPriority,
		DeliveryCount:           e.DeliveryCount,
		Body:                    e.Body,
	}

	if e.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("envelope %s: invalid timestamp: %w", e.ID, err)
		}
		msg.EnqueuedAt = ts
	}

	return msg, nil
}

// EncodeMessage serializes a message to its JSON wire form
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}

	data, err := json.Marshal(NewEnvelope(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	return data, nil
}

// DecodeMessage parses a JSON wire form produced by EncodeMessage
func DecodeMessage(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return env.Message()
}

package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-comms/contracts"
)

// ContentTypeJSON is the content type of the JSON serializer
const ContentTypeJSON = "application/json"

// JSONSerializer serializes message bodies as JSON. It implements
// contracts.Serializer.
type JSONSerializer struct {
	registry    *TypeRegistry
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithTypeRegistry sets the registry used by DecodeBody
func WithTypeRegistry(registry *TypeRegistry) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.registry = registry
	}
}

// WithPrettyPrint enables indented output
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// NewJSONSerializer creates a JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{
		registry: NewTypeRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

var _ contracts.Serializer = (*JSONSerializer)(nil)

// ContentType implements contracts.Serializer
func (s *JSONSerializer) ContentType() string {
	return ContentTypeJSON
}

// Registry returns the type registry
func (s *JSONSerializer) Registry() *TypeRegistry {
	return s.registry
}

// Serialize implements contracts.Serializer
func (s *JSONSerializer) Serialize(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("value cannot be nil")
	}

	var (
		data []byte
		err  error
	)
	if s.prettyPrint {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

// Deserialize implements contracts.Serializer
func (s *JSONSerializer) Deserialize(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("data cannot be empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal into %T: %w", v, err)
	}
	return nil
}

// DecodeBody decodes the body of the message into a new instance of the
// type registered for its header.
func (s *JSONSerializer) DecodeBody(msg *contracts.Message) (any, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if len(msg.Body) == 0 {
		return nil, fmt.Errorf("decode %s: %w", msg.Header, ErrEmptyBody)
	}

	instance, err := s.registry.CreateInstance(msg.Header)
	if err != nil {
		return nil, err
	}
	if err := s.Deserialize(msg.Body, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

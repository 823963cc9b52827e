package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-comms/contracts"
)

// Contract is a package type that knows the header it travels on
type Contract interface {
	Header() contracts.Header
}

// TypeRegistry maps message headers to the Go types carried in their body
type TypeRegistry struct {
	mu      sync.RWMutex
	types   map[contracts.Header]reflect.Type
	headers map[reflect.Type]contracts.Header
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types:   make(map[contracts.Header]reflect.Type),
		headers: make(map[reflect.Type]contracts.Header),
	}
}

// Register binds a struct type to a header. Registering the same pair
// twice is a no-op.
func (r *TypeRegistry) Register(header contracts.Header, bodyType any) error {
	if header.ChannelID == "" {
		return fmt.Errorf("register type: %w", contracts.ErrMissingChannelID)
	}
	if bodyType == nil {
		return fmt.Errorf("body type cannot be nil")
	}

	t := reflect.TypeOf(bodyType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("body type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[header]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("header %s already registered to %v", header, existing)
	}

	r.types[header] = t
	r.headers[t] = header
	return nil
}

// RegisterContract registers a contract under its own header
func (r *TypeRegistry) RegisterContract(contract Contract) error {
	if contract == nil {
		return fmt.Errorf("contract cannot be nil")
	}
	return r.Register(contract.Header(), contract)
}

// Get returns the type registered for the header
func (r *TypeRegistry) Get(header contracts.Header) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[header]
	if !exists {
		return nil, fmt.Errorf("header %s: %w", header, ErrTypeNotRegistered)
	}
	return t, nil
}

// CreateInstance returns a pointer to a new zero value of the registered type
func (r *TypeRegistry) CreateInstance(header contracts.Header) (any, error) {
	t, err := r.Get(header)
	if err != nil {
		return nil, err
	}
	return reflect.New(t).Interface(), nil
}

// HeaderFor returns the header a value's type is registered under
func (r *TypeRegistry) HeaderFor(v any) (contracts.Header, error) {
	if v == nil {
		return contracts.Header{}, fmt.Errorf("value cannot be nil")
	}

	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.headers[t]
	if !exists {
		return contracts.Header{}, fmt.Errorf("type %v: %w", t, ErrTypeNotRegistered)
	}
	return h, nil
}

// IsRegistered reports whether a type is bound to the header
func (r *TypeRegistry) IsRegistered(header contracts.Header) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[header]
	return exists
}

// Headers returns every registered header in string order
func (r *TypeRegistry) Headers() []contracts.Header {
	r.mu.RLock()
	defer r.mu.RUnlock()

	headers := make([]contracts.Header, 0, len(r.types))
	for h := range r.types {
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].String() < headers[j].String() })
	return headers
}

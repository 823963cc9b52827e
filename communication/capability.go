package communication

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/mmate-comms/contracts"
)

// ServiceLocator resolves services shared across a microservice
type ServiceLocator interface {
	Get(name string) (any, bool)
}

// ServicesConsumer receives the shared service locator
type ServicesConsumer interface {
	SetSharedServices(services ServiceLocator)
}

// OriginatorConsumer receives the originator id of the service
type OriginatorConsumer interface {
	SetOriginatorID(id string)
}

// LoggerConsumer receives the service logger
type LoggerConsumer interface {
	SetLogger(logger *slog.Logger)
}

// SerializerConsumer receives the payload serializer
type SerializerConsumer interface {
	SetSerializer(serializer contracts.Serializer)
}

// Capabilities are the dependencies handed to components on registration
type Capabilities struct {
	Services     ServiceLocator
	OriginatorID string
	Logger       *slog.Logger
	Serializer   contracts.Serializer
}

// Apply hands each dependency to the component if it accepts it. The order
// is fixed: services, originator, logger, serializer. It returns the names
// of the capabilities that were applied.
func (c Capabilities) Apply(component any) []string {
	var applied []string

	if v, ok := component.(ServicesConsumer); ok && c.Services != nil {
		v.SetSharedServices(c.Services)
		applied = append(applied, "services")
	}
	if v, ok := component.(OriginatorConsumer); ok && c.OriginatorID != "" {
		v.SetOriginatorID(c.OriginatorID)
		applied = append(applied, "originator")
	}
	if v, ok := component.(LoggerConsumer); ok && c.Logger != nil {
		v.SetLogger(c.Logger)
		applied = append(applied, "logger")
	}
	if v, ok := component.(SerializerConsumer); ok && c.Serializer != nil {
		v.SetSerializer(c.Serializer)
		applied = append(applied, "serializer")
	}

	return applied
}

// SharedServices is a concurrent ServiceLocator. Names are case insensitive.
type SharedServices struct {
	services sync.Map
}

// NewSharedServices creates an empty locator
func NewSharedServices() *SharedServices {
	return &SharedServices{}
}

// Register adds a service. It returns false if the name is taken.
func (s *SharedServices) Register(name string, service any) bool {
	_, loaded := s.services.LoadOrStore(strings.ToLower(name), service)
	return !loaded
}

// Get implements ServiceLocator
func (s *SharedServices) Get(name string) (any, bool) {
	return s.services.Load(strings.ToLower(name))
}

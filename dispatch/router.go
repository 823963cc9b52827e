package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/google/uuid"
)

// Handler executes a payload
type Handler interface {
	Handle(ctx context.Context, payload *contracts.Payload) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, payload *contracts.Payload) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, payload *contracts.Payload) error {
	return f(ctx, payload)
}

// MiddlewareFunc wraps handler execution
type MiddlewareFunc func(ctx context.Context, payload *contracts.Payload, next Handler) error

// Registration is a handler bound to a message filter
type Registration struct {
	ID      string
	Name    string
	Filter  contracts.MessageFilter
	Handler Handler

	seq uint64
}

type resolveKey struct {
	header     contracts.Header
	originator string
}

// Router is the command registry of a service. The most specific matching
// registration handles a payload; ties go to the earliest registration.
type Router struct {
	mu            sync.RWMutex
	registrations map[string]*Registration
	seq           uint64
	cache         map[resolveKey]string
	middleware    []MiddlewareFunc
	subscribers   []func(filters []contracts.MessageFilter)
	logger        *slog.Logger
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMiddleware adds middleware, outermost first
func WithMiddleware(middleware ...MiddlewareFunc) RouterOption {
	return func(r *Router) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// NewRouter creates an empty router
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		registrations: make(map[string]*Registration),
		cache:         make(map[resolveKey]string),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// RegistrationOption configures a registration
type RegistrationOption func(*Registration)

// WithName names the registration in log entries
func WithName(name string) RegistrationOption {
	return func(reg *Registration) {
		reg.Name = name
	}
}

// WithClientID restricts the registration to messages from one originator
func WithClientID(clientID string) RegistrationOption {
	return func(reg *Registration) {
		reg.Filter.ClientID = clientID
	}
}

// Register binds a handler to a header filter and returns the registration id
func (r *Router) Register(filter contracts.Header, handler Handler, options ...RegistrationOption) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if filter.ChannelID == "" {
		return "", fmt.Errorf("register handler: %w", contracts.ErrMissingChannelID)
	}

	reg := &Registration{
		ID:      uuid.New().String(),
		Name:    filter.String(),
		Filter:  contracts.NewMessageFilter(filter),
		Handler: handler,
	}
	for _, opt := range options {
		opt(reg)
	}

	r.mu.Lock()
	r.seq++
	reg.seq = r.seq
	r.registrations[reg.ID] = reg
	r.cache = make(map[resolveKey]string)
	filters := r.supportedLocked()
	subscribers := r.subscribersLocked()
	r.mu.Unlock()

	r.logger.Info("registered command handler",
		"name", reg.Name,
		"filter", filter.String(),
		"registrationId", reg.ID)

	r.notify(subscribers, filters)
	return reg.ID, nil
}

// RegisterFunc registers a function as a handler
func (r *Router) RegisterFunc(filter contracts.Header, handler HandlerFunc, options ...RegistrationOption) (string, error) {
	return r.Register(filter, handler, options...)
}

// Unregister removes a registration
func (r *Router) Unregister(id string) error {
	r.mu.Lock()
	reg, exists := r.registrations[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("registration %s: %w", id, ErrHandlerNotFound)
	}
	delete(r.registrations, id)
	r.cache = make(map[resolveKey]string)
	filters := r.supportedLocked()
	subscribers := r.subscribersLocked()
	r.mu.Unlock()

	r.logger.Info("unregistered command handler", "name", reg.Name, "registrationId", id)

	r.notify(subscribers, filters)
	return nil
}

// OnChange subscribes to changes of the supported messages
func (r *Router) OnChange(fn func(filters []contracts.MessageFilter)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// SupportedMessages returns the filters of every registration in
// registration order
func (r *Router) SupportedMessages() []contracts.MessageFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supportedLocked()
}

// Supports reports whether a registration would handle the message
func (r *Router) Supports(msg *contracts.Message) bool {
	_, ok := r.Resolve(msg)
	return ok
}

// Resolve returns the registration that handles the message
func (r *Router) Resolve(msg *contracts.Message) (*Registration, bool) {
	if msg == nil {
		return nil, false
	}

	key := resolveKey{header: msg.Header, originator: strings.ToLower(msg.OriginatorServiceID)}

	r.mu.RLock()
	id, cached := r.cache[key]
	if cached {
		reg := r.registrations[id]
		r.mu.RUnlock()
		return reg, reg != nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Registration
	for _, reg := range r.orderedLocked() {
		if !reg.Filter.Accepts(msg) {
			continue
		}
		if best == nil || specificity(reg.Filter) > specificity(best.Filter) {
			best = reg
		}
	}

	if best == nil {
		r.cache[key] = ""
		return nil, false
	}
	r.cache[key] = best.ID
	return best, true
}

// Execute runs the payload through the middleware chain and its handler.
// A payload without a handler is logged and dropped without error.
func (r *Router) Execute(ctx context.Context, payload *contracts.Payload) (err error) {
	if payload == nil || payload.Message == nil {
		return fmt.Errorf("payload cannot be nil")
	}

	reg, ok := r.Resolve(payload.Message)
	if !ok {
		r.logger.Info("no handler registered for message",
			"header", payload.Message.Header.String(),
			"payloadId", payload.ID)
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler %s panicked: %v", reg.Name, rec)
		}
		if err != nil {
			r.logger.Error("handler failed",
				"name", reg.Name,
				"payloadId", payload.ID,
				"error", err)
		}
	}()

	payload.TraceWrite("executing " + reg.Name)
	return r.buildMiddlewareChain(reg.Handler).Handle(ctx, payload)
}

// Handle implements Handler
func (r *Router) Handle(ctx context.Context, payload *contracts.Payload) error {
	return r.Execute(ctx, payload)
}

func (r *Router) buildMiddlewareChain(handler Handler) Handler {
	result := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		middleware := r.middleware[i]
		next := result
		result = HandlerFunc(func(ctx context.Context, payload *contracts.Payload) error {
			return middleware(ctx, payload, next)
		})
	}
	return result
}

func (r *Router) orderedLocked() []*Registration {
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
	return regs
}

func (r *Router) supportedLocked() []contracts.MessageFilter {
	regs := r.orderedLocked()
	filters := make([]contracts.MessageFilter, len(regs))
	for i, reg := range regs {
		filters[i] = reg.Filter
	}
	return filters
}

func (r *Router) subscribersLocked() []func([]contracts.MessageFilter) {
	return append(([]func([]contracts.MessageFilter))(nil), r.subscribers...)
}

func (r *Router) notify(subscribers []func([]contracts.MessageFilter), filters []contracts.MessageFilter) {
	for _, fn := range subscribers {
		fn(filters)
	}
}

func specificity(f contracts.MessageFilter) int {
	n := f.Header.Specificity()
	if f.ClientID != "" {
		n++
	}
	return n
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrHandlerNotRegistered is returned when a binding names an unknown handler
	ErrHandlerNotRegistered = errors.New("dispatch: handler not registered")
	// ErrDuplicateHandler is returned when a handler name is registered twice
	ErrDuplicateHandler = errors.New("dispatch: handler already registered")
	// ErrInvalidHandler is returned for empty names, nil factories and
	// factories that build a nil handler
	ErrInvalidHandler = errors.New("dispatch: invalid handler")
)

// Handler processes one delivered message
type Handler interface {
	Handle(ctx context.Context, msg amqp.Delivery) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg amqp.Delivery) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg amqp.Delivery) error {
	return f(ctx, msg)
}

// HandlerFactory builds a handler instance for one consumer binding
type HandlerFactory func() (Handler, error)

// HandlerRegistry maps the handler names used in configuration to factories
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register adds a factory under name
func (r *HandlerRegistry) Register(name string, factory HandlerFactory) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidHandler)
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for %q", ErrInvalidHandler, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, name)
	}
	r.factories[name] = factory
	return nil
}

// RegisterHandler adds a handler that is shared by every binding naming it
func (r *HandlerRegistry) RegisterHandler(name string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidHandler, name)
	}
	return r.Register(name, func() (Handler, error) { return handler, nil })
}

// MustRegister is like Register but panics on error
func (r *HandlerRegistry) MustRegister(name string, factory HandlerFactory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Resolve builds a new handler from the factory registered under name
func (r *HandlerRegistry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotRegistered, name)
	}

	handler, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build handler %q: %w", name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: factory for %q returned nil", ErrInvalidHandler, name)
	}
	return handler, nil
}

// Names returns the registered handler names, sorted
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/saga"
	"github.com/glimte/mbus-go/serialization"
)

// Handler processes a message
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *contracts.Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// TypedHandler decodes the body into T before calling fn
func TypedHandler[T any](codec serialization.Codec, fn func(ctx context.Context, msg *contracts.Message, body T) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
		body, err := serialization.DecodeBody[T](codec, msg)
		if err != nil {
			return err
		}
		return fn(ctx, msg, body)
	})
}

// Registration is one handler bound to a message type. Exactly one of
// Handler and Saga is set.
type Registration struct {
	Handler Handler
	Saga    saga.Handler
}

// Container resolves the handlers of a message type
type Container interface {
	// Register binds a handler to a message type
	Register(messageType string, h Handler) error

	// RegisterSaga binds a process manager handler to a message type
	RegisterSaga(messageType string, h saga.Handler) error

	// Handlers returns the registrations for a type in registration order
	Handlers(messageType string) []Registration

	// MessageTypes returns every type with at least one registration
	MessageTypes() []string
}

// HandlerContainer is the default Container
type HandlerContainer struct {
	mu       sync.RWMutex
	handlers map[string][]Registration
	logger   *slog.Logger
}

// ContainerOption configures a HandlerContainer
type ContainerOption func(*HandlerContainer)

// WithContainerLogger sets the logger
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(c *HandlerContainer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewHandlerContainer creates an empty container
func NewHandlerContainer(opts ...ContainerOption) *HandlerContainer {
	c := &HandlerContainer{
		handlers: make(map[string][]Registration),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register implements Container
func (c *HandlerContainer) Register(messageType string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	return c.add(messageType, Registration{Handler: h})
}

// RegisterSaga implements Container
func (c *HandlerContainer) RegisterSaga(messageType string, h saga.Handler) error {
	if h == nil {
		return fmt.Errorf("saga handler cannot be nil")
	}
	return c.add(messageType, Registration{Saga: h})
}

func (c *HandlerContainer) add(messageType string, reg Registration) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[messageType] = append(c.handlers[messageType], reg)

	c.logger.Info("registered message handler",
		"messageType", messageType,
		"saga", reg.Saga != nil,
		"handlers", len(c.handlers[messageType]))
	return nil
}

// Handlers implements Container
func (c *HandlerContainer) Handlers(messageType string) []Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	regs := c.handlers[messageType]
	out := make([]Registration, len(regs))
	copy(out, regs)
	return out
}

// MessageTypes implements Container
func (c *HandlerContainer) MessageTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	types := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

var _ Container = (*HandlerContainer)(nil)

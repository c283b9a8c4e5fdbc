package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mbus-go/contracts"
)

var (
	ErrTypeNotRegistered = errors.New("serialization: type not registered")
	ErrEmptyTypeName     = errors.New("serialization: type name cannot be empty")
	ErrNilType           = errors.New("serialization: message type cannot be nil")
)

// TypeRegistry maps message type discriminators to Go types
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	codec Codec
	mu    sync.RWMutex
}

// NewTypeRegistry creates a registry using the given codec, or DefaultCodec when nil
func NewTypeRegistry(codec Codec) *TypeRegistry {
	if codec == nil {
		codec = DefaultCodec
	}
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
		codec: codec,
	}
}

// Register registers a struct type under typeName
func (r *TypeRegistry) Register(typeName string, sample any) error {
	if typeName == "" {
		return ErrEmptyTypeName
	}
	t, err := structType(sample)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("serialization: type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers a struct type under its Go type name
func (r *TypeRegistry) RegisterType(sample any) error {
	t, err := structType(sample)
	if err != nil {
		return err
	}
	if t.Name() == "" {
		return fmt.Errorf("serialization: cannot determine type name for %v", t)
	}
	return r.Register(t.Name(), sample)
}

// NameOf returns the discriminator registered for v
func (r *TypeRegistry) NameOf(v any) (string, error) {
	t, err := structType(v)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[t]
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrTypeNotRegistered, t)
	}
	return name, nil
}

// IsRegistered reports whether typeName is known
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// Types returns the registered discriminators in sorted order
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ToMessage encodes payload as the body of a new message of its registered type
func (r *TypeRegistry) ToMessage(payload any, correlationID string) (*contracts.Message, error) {
	name, err := r.NameOf(payload)
	if err != nil {
		return nil, err
	}
	body, err := r.codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return contracts.NewCorrelatedMessage(name, correlationID, body), nil
}

// FromMessage decodes the body of msg into a new instance of its registered type
func (r *TypeRegistry) FromMessage(msg *contracts.Message) (any, error) {
	r.mu.RLock()
	t, ok := r.types[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, msg.Type)
	}

	v := reflect.New(t).Interface()
	if err := r.codec.Unmarshal(msg.Body, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", msg.Type, err)
	}
	return v, nil
}

func structType(v any) (reflect.Type, error) {
	if v == nil {
		return nil, ErrNilType
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("serialization: message type must be a struct, got %v", t.Kind())
	}
	return t, nil
}

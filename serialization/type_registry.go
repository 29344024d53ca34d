package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-cqrs/contracts"
)

// TypeRegistry maps the type tags carried on the wire to Go types
type TypeRegistry interface {
	// Register registers a message type with a type tag
	Register(typeName string, msgType interface{}) error

	// RegisterType registers a message type using its struct name
	RegisterType(msgType interface{}) error

	// Get retrieves the type for a given type tag
	Get(typeName string) (reflect.Type, error)

	// CreateInstance creates a new pointer instance of the registered type
	CreateInstance(typeName string) (interface{}, error)

	// TypeName gets the registered type tag for a value
	TypeName(msg interface{}) (string, error)

	// TypeNameOf gets the registered type tag for a type
	TypeNameOf(t reflect.Type) (string, error)

	// IsRegistered checks if a type tag is registered
	IsRegistered(typeName string) bool

	// IsTypeRegistered checks if a Go type is registered under any tag
	IsTypeRegistered(t reflect.Type) bool

	// ListTypes returns all registered type tags, sorted
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers a message type with a type tag. Registering the same
// type under the same tag twice is a no-op.
func (r *DefaultTypeRegistry) Register(typeName string, msgType interface{}) error {
	if typeName == "" {
		return fmt.Errorf("%w: type name cannot be empty", contracts.ErrInvalidArgument)
	}

	if msgType == nil {
		return fmt.Errorf("%w: message type cannot be nil", contracts.ErrInvalidArgument)
	}

	t := baseType(reflect.TypeOf(msgType))
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("%w: message type must be a struct, got %v", contracts.ErrInvalidArgument, t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return contracts.NewConfigConflict("type registry", typeName,
			fmt.Sprintf("type name already registered to %v", existing))
	}
	if existingName, exists := r.names[t]; exists {
		return contracts.NewConfigConflict("type registry", typeName,
			fmt.Sprintf("type %v already registered as %s", t, existingName))
	}

	r.types[typeName] = t
	r.names[t] = typeName

	return nil
}

// RegisterType registers a message type using its struct name
func (r *DefaultTypeRegistry) RegisterType(msgType interface{}) error {
	if msgType == nil {
		return fmt.Errorf("%w: message type cannot be nil", contracts.ErrInvalidArgument)
	}

	t := baseType(reflect.TypeOf(msgType))
	typeName := t.Name()
	if typeName == "" {
		return fmt.Errorf("%w: cannot determine type name for %v", contracts.ErrInvalidArgument, t)
	}

	return r.Register(typeName, msgType)
}

// Get retrieves the type for a given type tag
func (r *DefaultTypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}

	return t, nil
}

// CreateInstance creates a new instance of the registered type
func (r *DefaultTypeRegistry) CreateInstance(typeName string) (interface{}, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}

	return reflect.New(t).Interface(), nil
}

// TypeName gets the registered type tag for a value
func (r *DefaultTypeRegistry) TypeName(msg interface{}) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidArgument)
	}
	return r.TypeNameOf(reflect.TypeOf(msg))
}

// TypeNameOf gets the registered type tag for a type; pointer types resolve to their element
func (r *DefaultTypeRegistry) TypeNameOf(t reflect.Type) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: type cannot be nil", contracts.ErrInvalidArgument)
	}
	t = baseType(t)

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("type %v not registered", t)
	}

	return name, nil
}

// IsRegistered checks if a type tag is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// IsTypeRegistered checks if a Go type is registered
func (r *DefaultTypeRegistry) IsTypeRegistered(t reflect.Type) bool {
	if t == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.names[baseType(t)]
	return exists
}

// ListTypes returns all registered type tags
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)

	return types
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

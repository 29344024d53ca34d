package serialization

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/glimte/mmate-cqrs/contracts"
)

// Serializer converts values of one bound type to bytes and back
type Serializer interface {
	// Serialize serializes a value of the bound type
	Serialize(v any) ([]byte, error)

	// Deserialize deserializes bytes into a value of the bound type
	Deserialize(data []byte) (any, error)
}

// SerializerFactory produces a serializer for a type, or nil when it does not support the type
type SerializerFactory interface {
	Create(t reflect.Type) Serializer
}

// SerializerFactoryFunc is a function adapter for SerializerFactory
type SerializerFactoryFunc func(t reflect.Type) Serializer

// Create implements SerializerFactory
func (f SerializerFactoryFunc) Create(t reflect.Type) Serializer {
	return f(t)
}

// Manager resolves and caches one serializer per message type.
//
// Bindings are read far more often than written: lookups take the read lock
// only, and the write lock is held just long enough to insert a binding.
// Factories are polled outside both locks.
type Manager struct {
	mu          sync.RWMutex
	serializers map[reflect.Type]Serializer

	factoriesMu sync.Mutex
	factories   []SerializerFactory

	logger *slog.Logger
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithFactories registers serializer factories at construction
func WithFactories(factories ...SerializerFactory) ManagerOption {
	return func(m *Manager) {
		for _, f := range factories {
			if f != nil {
				m.factories = append(m.factories, f)
			}
		}
	}
}

// NewManager creates an empty serialization manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		serializers: make(map[reflect.Type]Serializer),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Serialize serializes v with the serializer bound to its dynamic type
func (m *Manager) Serialize(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidArgument)
	}
	return m.SerializeType(v, reflect.TypeOf(v))
}

// SerializeType serializes v with the serializer bound to t
func (m *Manager) SerializeType(v any, t reflect.Type) ([]byte, error) {
	s, err := m.Resolve(t)
	if err != nil {
		return nil, err
	}
	data, err := s.Serialize(v)
	if err != nil {
		return nil, &contracts.ProcessingError{Type: t.String(), Reason: "serialization failed", Err: err}
	}
	return data, nil
}

// Deserialize deserializes data into a value of type t
func (m *Manager) Deserialize(data []byte, t reflect.Type) (any, error) {
	s, err := m.Resolve(t)
	if err != nil {
		return nil, err
	}
	v, err := s.Deserialize(data)
	if err != nil {
		return nil, &contracts.ProcessingError{Type: t.String(), Reason: "deserialization failed", Err: err}
	}
	return v, nil
}

// DeserializeAs deserializes data into a T using the manager's binding for T
func DeserializeAs[T any](m *Manager, data []byte) (T, error) {
	var zero T
	v, err := m.Deserialize(data, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &contracts.ProcessingError{
			Type:   reflect.TypeOf((*T)(nil)).Elem().String(),
			Reason: fmt.Sprintf("serializer returned %T", v),
		}
	}
	return typed, nil
}

// Resolve returns the serializer bound to t, binding one from the registered
// factories on first use. Exactly one factory must produce a candidate.
func (m *Manager) Resolve(t reflect.Type) (Serializer, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: type cannot be nil", contracts.ErrInvalidArgument)
	}

	m.mu.RLock()
	s, ok := m.serializers[t]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.factoriesMu.Lock()
	candidates := make([]Serializer, 0, 1)
	for _, f := range m.factories {
		if c := f.Create(t); c != nil {
			candidates = append(candidates, c)
		}
	}
	m.factoriesMu.Unlock()

	switch len(candidates) {
	case 0:
		return nil, &contracts.ProcessingError{Type: t.String(), Reason: "serializer not found"}
	case 1:
	default:
		return nil, &contracts.ProcessingError{
			Type:   t.String(),
			Reason: fmt.Sprintf("more than one serializer is available (%d factories matched)", len(candidates)),
		}
	}

	// another goroutine may have bound t while the factories were polled
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.serializers[t]; ok {
		return existing, nil
	}
	m.serializers[t] = candidates[0]

	m.logger.Debug("serializer bound from factory",
		"type", t.String(),
		"serializer", fmt.Sprintf("%T", candidates[0]))

	return candidates[0], nil
}

// RegisterSerializer pins a serializer for t. A type can be bound only once.
func (m *Manager) RegisterSerializer(t reflect.Type, s Serializer) error {
	if t == nil {
		return fmt.Errorf("%w: type cannot be nil", contracts.ErrInvalidArgument)
	}
	if s == nil {
		return fmt.Errorf("%w: serializer cannot be nil", contracts.ErrInvalidArgument)
	}

	m.mu.RLock()
	existing, exists := m.serializers[t]
	m.mu.RUnlock()
	if !exists {
		m.mu.Lock()
		existing, exists = m.serializers[t]
		if !exists {
			m.serializers[t] = s
		}
		m.mu.Unlock()
	}

	if exists {
		return &contracts.ConfigError{
			Scope:   "serialization manager",
			Subject: fmt.Sprintf("'%T' as serializer for type '%v'", s, t),
			Reason:  fmt.Sprintf("'%v' is already assigned with serializer '%T'", t, existing),
			Err:     fmt.Errorf("%w: %w", contracts.ErrInvalidOperation, contracts.ErrConfigConflict),
		}
	}
	return nil
}

// RegisterFactory appends a factory. All factories are polled on resolution so
// that ambiguous matches are detected.
func (m *Manager) RegisterFactory(f SerializerFactory) error {
	if f == nil {
		return fmt.Errorf("%w: serializer factory cannot be nil", contracts.ErrInvalidArgument)
	}

	m.factoriesMu.Lock()
	defer m.factoriesMu.Unlock()

	m.factories = append(m.factories, f)
	return nil
}

// IsBound reports whether t already has a serializer binding
func (m *Manager) IsBound(t reflect.Type) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.serializers[t]
	return ok
}

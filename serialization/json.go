package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// JSONSerializerFactory creates JSON serializers for struct types
type JSONSerializerFactory struct {
	registry TypeRegistry
	indent   string
}

// JSONFactoryOption configures the JSON serializer factory
type JSONFactoryOption func(*JSONSerializerFactory)

// WithTypeRegistry restricts the factory to types registered in registry
func WithTypeRegistry(registry TypeRegistry) JSONFactoryOption {
	return func(f *JSONSerializerFactory) {
		f.registry = registry
	}
}

// WithIndent enables indented output
func WithIndent(indent string) JSONFactoryOption {
	return func(f *JSONSerializerFactory) {
		f.indent = indent
	}
}

// NewJSONSerializerFactory creates a new JSON serializer factory
func NewJSONSerializerFactory(opts ...JSONFactoryOption) *JSONSerializerFactory {
	f := &JSONSerializerFactory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create implements SerializerFactory
func (f *JSONSerializerFactory) Create(t reflect.Type) Serializer {
	if t == nil || baseType(t).Kind() != reflect.Struct {
		return nil
	}
	if f.registry != nil && !f.registry.IsTypeRegistered(t) {
		return nil
	}
	return &JSONSerializer{t: t, indent: f.indent}
}

// JSONSerializer serializes values of a single type as JSON
type JSONSerializer struct {
	t      reflect.Type
	indent string
}

// Serialize implements Serializer
func (s *JSONSerializer) Serialize(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if vt := reflect.TypeOf(v); vt != s.t {
		return nil, fmt.Errorf("serializer bound to %v cannot serialize %v", s.t, vt)
	}
	if s.indent != "" {
		return json.MarshalIndent(v, "", s.indent)
	}
	return json.Marshal(v)
}

// Deserialize implements Serializer
func (s *JSONSerializer) Deserialize(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}
	target := reflect.New(s.t)
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into %v: %w", s.t, err)
	}
	return target.Elem().Interface(), nil
}

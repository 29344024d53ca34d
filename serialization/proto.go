package serialization

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// ProtobufSerializerFactory creates serializers for generated protobuf message types
type ProtobufSerializerFactory struct {
	marshal   proto.MarshalOptions
	unmarshal proto.UnmarshalOptions
}

// NewProtobufSerializerFactory creates a protobuf serializer factory.
// Marshalling is deterministic so equal messages produce equal bytes.
func NewProtobufSerializerFactory() *ProtobufSerializerFactory {
	return &ProtobufSerializerFactory{
		marshal:   proto.MarshalOptions{Deterministic: true},
		unmarshal: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

// Create implements SerializerFactory
func (f *ProtobufSerializerFactory) Create(t reflect.Type) Serializer {
	if t == nil || t.Kind() != reflect.Ptr || !t.Implements(protoMessageType) {
		return nil
	}
	return &ProtobufSerializer{t: t, marshal: f.marshal, unmarshal: f.unmarshal}
}

// ProtobufSerializer serializes one generated message type
type ProtobufSerializer struct {
	t         reflect.Type
	marshal   proto.MarshalOptions
	unmarshal proto.UnmarshalOptions
}

// Serialize implements Serializer
func (s *ProtobufSerializer) Serialize(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok || reflect.TypeOf(v) != s.t {
		return nil, fmt.Errorf("serializer bound to %v cannot serialize %T", s.t, v)
	}
	return s.marshal.Marshal(msg)
}

// Deserialize implements Serializer
func (s *ProtobufSerializer) Deserialize(data []byte) (any, error) {
	msg := reflect.New(s.t.Elem()).Interface().(proto.Message)
	if err := s.unmarshal.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into %v: %w", s.t, err)
	}
	return msg, nil
}

package contracts

import "maps"

// Reserved header keys
const (
	// HeaderReplyTo holds the destination a reply must be published to
	HeaderReplyTo = "ReplyTo"

	// HeaderCorrelationID echoes the request's ReplyTo value on the reply
	HeaderCorrelationID = "CorrelationId"

	// HeaderPriority carries the CommandPriority of an outbound command
	HeaderPriority = "Priority"
)

// BinaryMessage is the serialized form of an application message as it travels
// through a messaging session.
type BinaryMessage struct {
	Type    string            `json:"type"`
	Bytes   []byte            `json:"bytes"`
	Headers map[string]string `json:"headers,omitempty"`
}

// NewBinaryMessage creates a message with an empty header map
func NewBinaryMessage(messageType string, body []byte) *BinaryMessage {
	return &BinaryMessage{
		Type:    messageType,
		Bytes:   body,
		Headers: make(map[string]string),
	}
}

// Header returns the value of a header and whether it was present
func (m *BinaryMessage) Header(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	v, ok := m.Headers[key]
	return v, ok
}

// SetHeader sets a header, allocating the map if necessary
func (m *BinaryMessage) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// ReplyTo returns the reply destination stamped on a request, if any
func (m *BinaryMessage) ReplyTo() (string, bool) {
	v, ok := m.Header(HeaderReplyTo)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// CorrelationID returns the correlation id stamped on a reply
func (m *BinaryMessage) CorrelationID() string {
	v, _ := m.Header(HeaderCorrelationID)
	return v
}

// Clone returns a deep copy so that concurrent subscribers never share header maps
func (m *BinaryMessage) Clone() *BinaryMessage {
	if m == nil {
		return nil
	}
	clone := &BinaryMessage{
		Type:    m.Type,
		Headers: make(map[string]string, len(m.Headers)),
	}
	if m.Bytes != nil {
		clone.Bytes = append([]byte(nil), m.Bytes...)
	}
	maps.Copy(clone.Headers, m.Headers)
	return clone
}

// Destination names where a message is published and where it is consumed from.
// For most transports both names are the same; brokers with exchanges publish to
// one name and consume from another.
type Destination struct {
	Publish   string `json:"publish"`
	Subscribe string `json:"subscribe"`
}

// NewDestination creates a destination publishing to and consuming from the same name
func NewDestination(name string) Destination {
	return Destination{Publish: name, Subscribe: name}
}

// IsZero reports whether neither name is set
func (d Destination) IsZero() bool {
	return d.Publish == "" && d.Subscribe == ""
}

func (d Destination) String() string {
	if d.Publish == d.Subscribe {
		return d.Publish
	}
	return "[p]" + d.Publish + " [s]" + d.Subscribe
}

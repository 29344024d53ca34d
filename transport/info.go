package transport

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-cqrs/contracts"
)

// Messaging kinds understood by the built-in session factories
const (
	MessagingInMemory = "InMemory"
	MessagingRabbitMq = "RabbitMq"
	MessagingRedis    = "Redis"
)

// TransportInfo describes a broker connection
type TransportInfo struct {
	Broker           string
	Login            string
	Password         string
	Messaging        string
	JailStrategyName string

	jailStrategy JailStrategy
}

// InfoOption configures a TransportInfo
type InfoOption func(*TransportInfo)

// WithMessaging sets the messaging driver kind
func WithMessaging(kind string) InfoOption {
	return func(i *TransportInfo) {
		i.Messaging = kind
	}
}

// WithJailStrategy sets the name of the jail strategy to resolve
func WithJailStrategy(name string) InfoOption {
	return func(i *TransportInfo) {
		i.JailStrategyName = name
	}
}

// NewTransportInfo creates a transport descriptor. Broker, login and password
// must be non-blank.
func NewTransportInfo(broker, login, password string, opts ...InfoOption) (*TransportInfo, error) {
	if strings.TrimSpace(broker) == "" {
		return nil, fmt.Errorf("%w: broker should be not empty string", contracts.ErrInvalidArgument)
	}
	if strings.TrimSpace(login) == "" {
		return nil, fmt.Errorf("%w: login should be not empty string", contracts.ErrInvalidArgument)
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: password should be not empty string", contracts.ErrInvalidArgument)
	}

	info := &TransportInfo{
		Broker:    broker,
		Login:     login,
		Password:  password,
		Messaging: MessagingInMemory,
	}
	for _, opt := range opts {
		opt(info)
	}

	return info, nil
}

// Equal compares broker, login and password
func (i *TransportInfo) Equal(other *TransportInfo) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.Broker == other.Broker && i.Login == other.Login && i.Password == other.Password
}

// JailStrategy returns the strategy attached by the resolver, or nil if the
// descriptor was not obtained from a Resolver
func (i *TransportInfo) JailStrategy() JailStrategy {
	return i.jailStrategy
}

// PhysicalName applies the transport's jail strategy to a logical destination name
func (i *TransportInfo) PhysicalName(logical string) string {
	if i.jailStrategy == nil {
		return logical
	}
	return i.jailStrategy(logical)
}

func (i *TransportInfo) String() string {
	return fmt.Sprintf("%s://%s@%s", i.Messaging, i.Login, i.Broker)
}

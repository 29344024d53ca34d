package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/scheduling"
	"github.com/glimte/mmate-cqrs/transport"
)

// AckFunc acknowledges a delivery. false requests redelivery; true, or never
// calling it, means the message is done.
type AckFunc func(ok bool)

// CallbackFunc receives deliveries of a subscription
type CallbackFunc func(msg *contracts.BinaryMessage, ack AckFunc)

// HandlerFunc turns a request into its response. Returning nil sends no reply.
type HandlerFunc func(request *contracts.BinaryMessage) *contracts.BinaryMessage

// ReplyFunc receives the reply to a request, or the error that prevented it
type ReplyFunc func(reply *contracts.BinaryMessage, err error)

// Subscription is released with Close
type Subscription interface {
	Close() error
}

// SubscriptionFunc adapts a function to Subscription
type SubscriptionFunc func() error

// Close implements Subscription
func (f SubscriptionFunc) Close() error {
	return f()
}

// Session is one connection to a transport. Implementations deliver every
// callback of the session on a single Sequencer.
type Session interface {
	// CreateTemporaryDestination allocates a uniquely named destination that lives
	// as long as the session
	CreateTemporaryDestination() (contracts.Destination, error)

	// Send publishes msg to every current subscriber of destination. ttl is advisory.
	Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error

	// Subscribe delivers messages whose type tag equals messageType, or all
	// messages when messageType is empty
	Subscribe(destination string, callback CallbackFunc, messageType string) (Subscription, error)

	// SendRequest publishes msg with a fresh reply destination stamped in its
	// ReplyTo header and invokes callback at most once with the reply
	SendRequest(destination string, msg *contracts.BinaryMessage, callback ReplyFunc) (*RequestHandle, error)

	// RegisterHandler answers requests arriving on destination. Messages without
	// a ReplyTo header are dropped.
	RegisterHandler(destination string, handler HandlerFunc, messageType string) (Subscription, error)

	// Close releases subscriptions and waits for in-flight callbacks
	Close() error
}

// Transport opens sessions to one broker
type Transport interface {
	CreateSession(opts ...SessionOption) (Session, error)
	Close() error
}

// TransportFactory creates a transport for a resolved descriptor
type TransportFactory func(info *transport.TransportInfo, logger *slog.Logger) (Transport, error)

// SessionConfig is shared by every Session implementation
type SessionConfig struct {
	Logger     *slog.Logger
	Metrics    MetricsCollector
	Redelivery RedeliveryPolicy
	DelayQueue *scheduling.DelayQueue
}

// SessionOption configures a session
type SessionOption func(*SessionConfig)

// WithSessionLogger sets the session logger
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(c *SessionConfig) {
		c.Logger = logger
	}
}

// WithSessionMetrics sets the metrics collector
func WithSessionMetrics(metrics MetricsCollector) SessionOption {
	return func(c *SessionConfig) {
		c.Metrics = metrics
	}
}

// WithRedeliveryPolicy delays redeliveries of negatively acknowledged messages.
// queue may be nil, in which case the session owns a queue of its own.
func WithRedeliveryPolicy(policy RedeliveryPolicy, queue *scheduling.DelayQueue) SessionOption {
	return func(c *SessionConfig) {
		c.Redelivery = policy
		c.DelayQueue = queue
	}
}

// NewSessionConfig applies options over the defaults
func NewSessionConfig(opts ...SessionOption) SessionConfig {
	cfg := SessionConfig{
		Logger:  slog.Default(),
		Metrics: &NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoOpMetricsCollector{}
	}
	return cfg
}

// onceAck wraps an acknowledgment so only the first call counts
func onceAck(ack func(ok bool)) AckFunc {
	var once sync.Once
	return func(ok bool) {
		once.Do(func() { ack(ok) })
	}
}

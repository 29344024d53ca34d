package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/internal/rabbitmq"
	"github.com/glimte/mmate-cqrs/internal/reliability"
	"github.com/glimte/mmate-cqrs/messaging"
	"github.com/glimte/mmate-cqrs/transport"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager *rabbitmq.ConnectionManager
	config  *TransportConfig
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Prefetch          int
	PublishTimeout    time.Duration
	BreakerOptions    []reliability.CircuitBreakerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPrefetch sets the per-subscription prefetch count
func WithPrefetch(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Prefetch = count
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublishTimeout = timeout
	}
}

// WithBreakerOptions configures the circuit breaker guarding publishes
func WithBreakerOptions(opts ...reliability.CircuitBreakerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.BreakerOptions = append(cfg.BreakerOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at connectionString
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Prefetch:       10,
		PublishTimeout: 5 * time.Second,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: failed to connect: %w", contracts.ErrTransport, err)
	}

	return &Transport{
		manager:  manager,
		config:   cfg,
		logger:   cfg.Logger,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Factory returns a messaging.TransportFactory for the RabbitMq messaging kind
func Factory(options ...TransportOption) messaging.TransportFactory {
	return func(info *transport.TransportInfo, logger *slog.Logger) (messaging.Transport, error) {
		brokerURL, err := BrokerURL(info)
		if err != nil {
			return nil, err
		}
		opts := append([]TransportOption{WithLogger(logger)}, options...)
		return NewTransport(context.Background(), brokerURL, opts...)
	}
}

// BrokerURL builds the AMQP URL for a transport descriptor. A broker given as
// host[:port] is assumed to speak amqp.
func BrokerURL(info *transport.TransportInfo) (string, error) {
	if info == nil {
		return "", fmt.Errorf("%w: transport info cannot be nil", contracts.ErrInvalidArgument)
	}
	raw := info.Broker
	if !strings.Contains(raw, "://") {
		raw = "amqp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid broker %q: %w", contracts.ErrInvalidArgument, info.Broker, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("%w: unsupported broker scheme %q", contracts.ErrInvalidArgument, u.Scheme)
	}
	u.User = url.UserPassword(info.Login, info.Password)
	return u.String(), nil
}

// CreateSession implements messaging.Transport
func (t *Transport) CreateSession(opts ...messaging.SessionOption) (messaging.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("rabbitmq transport: %w", contracts.ErrDisposed)
	}

	s := newSession(t, messaging.NewSessionConfig(opts...))
	t.sessions[s] = struct{}{}
	t.manager.AddStateListener(s)
	return s, nil
}

// Close closes all sessions and the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return t.manager.Close()
}

func (t *Transport) forget(s *Session) {
	t.manager.RemoveStateListener(s)
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

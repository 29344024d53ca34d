package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/internal/reliability"
	"github.com/glimte/mmate-cqrs/messaging"
	"github.com/glimte/mmate-cqrs/transport"
)

// Transport implements messaging.Transport for Redis
type Transport struct {
	client *redis.Client
	config *Config

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// Config holds transport settings
type Config struct {
	DB             int
	PoolSize       int
	PublishTimeout time.Duration
	ConnectRetry   reliability.RetryPolicy
	BreakerOptions []reliability.CircuitBreakerOption
	Logger         *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithDB selects the Redis database
func WithDB(db int) Option {
	return func(c *Config) {
		c.DB = db
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.PublishTimeout = timeout
	}
}

// WithConnectRetry sets the policy used while waiting for the first PING
func WithConnectRetry(policy reliability.RetryPolicy) Option {
	return func(c *Config) {
		c.ConnectRetry = policy
	}
}

// WithBreakerOptions configures the circuit breaker guarding publishes
func WithBreakerOptions(opts ...reliability.CircuitBreakerOption) Option {
	return func(c *Config) {
		c.BreakerOptions = append(c.BreakerOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

func newConfig(opts ...Option) *Config {
	cfg := &Config{
		PoolSize:       10,
		PublishTimeout: 5 * time.Second,
		ConnectRetry:   reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
		Logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewTransport connects to Redis with the given client options
func NewTransport(ctx context.Context, options *redis.Options, opts ...Option) (*Transport, error) {
	if options == nil {
		return nil, fmt.Errorf("%w: redis options cannot be nil", contracts.ErrInvalidArgument)
	}
	cfg := newConfig(opts...)

	if options.PoolSize == 0 {
		options.PoolSize = cfg.PoolSize
	}
	if cfg.DB != 0 {
		options.DB = cfg.DB
	}
	client := redis.NewClient(options)

	err := reliability.Retry(ctx, cfg.ConnectRetry, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis at %s: %w", contracts.ErrTransport, options.Addr, err)
	}

	cfg.Logger.Info("connected to Redis", "addr", options.Addr, "db", options.DB)

	return &Transport{
		client:   client,
		config:   cfg,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Factory returns a messaging.TransportFactory for the Redis messaging kind
func Factory(opts ...Option) messaging.TransportFactory {
	return func(info *transport.TransportInfo, logger *slog.Logger) (messaging.Transport, error) {
		options, err := ClientOptions(info)
		if err != nil {
			return nil, err
		}
		return NewTransport(context.Background(), options, append([]Option{WithLogger(logger)}, opts...)...)
	}
}

// ClientOptions maps a transport descriptor to client options. The broker is
// either a redis:// URL or host:port.
func ClientOptions(info *transport.TransportInfo) (*redis.Options, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: transport info cannot be nil", contracts.ErrInvalidArgument)
	}

	var options *redis.Options
	if strings.Contains(info.Broker, "://") {
		parsed, err := redis.ParseURL(info.Broker)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid broker %q: %w", contracts.ErrInvalidArgument, info.Broker, err)
		}
		options = parsed
	} else {
		options = &redis.Options{Addr: info.Broker}
	}

	options.Username = info.Login
	options.Password = info.Password
	return options, nil
}

// CreateSession implements messaging.Transport
func (t *Transport) CreateSession(opts ...messaging.SessionOption) (messaging.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("redis transport: %w", contracts.ErrDisposed)
	}

	s := newSession(t, messaging.NewSessionConfig(opts...))
	t.sessions[s] = struct{}{}
	return s, nil
}

// Close closes all sessions and the client
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
	return t.client.Close()
}

func (t *Transport) forget(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

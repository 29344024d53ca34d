// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/cqrs"
	"github.com/glimte/mmate-cqrs/messaging"
	"github.com/glimte/mmate-cqrs/serialization"
	"github.com/glimte/mmate-cqrs/transport"
	rabbitmqTransport "github.com/glimte/mmate-cqrs/transports/rabbitmq"
	redisTransport "github.com/glimte/mmate-cqrs/transports/redis"
)

// Client wires the transport directory, serialization, messaging and CQRS
// engines together
type Client struct {
	resolver   *transport.Resolver
	types      *serialization.DefaultTypeRegistry
	serializer *serialization.Manager
	messaging  *messaging.Engine
	cqrs       *cqrs.CqrsEngine
	logger     *slog.Logger
}

// NewClient creates a client for the given transports. InMemory, RabbitMq and
// Redis messaging kinds are available; nothing connects until first use.
func NewClient(transports map[string]*transport.TransportInfo, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:       slog.Default(),
		messageTypes: make(map[string]any),
	}
	for _, opt := range options {
		opt(cfg)
	}

	resolver, err := transport.NewResolver(transports,
		transport.WithJailStrategies(cfg.jailStrategies),
		transport.WithResolverLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport resolver: %w", err)
	}

	types := serialization.NewTypeRegistry()
	for name, value := range cfg.messageTypes {
		if err := types.Register(name, value); err != nil {
			return nil, fmt.Errorf("failed to register message type %s: %w", name, err)
		}
	}

	factories := append([]serialization.SerializerFactory{
		serialization.NewJSONSerializerFactory(serialization.WithTypeRegistry(types)),
	}, cfg.serializerFactories...)
	serializer := serialization.NewManager(
		serialization.WithManagerLogger(cfg.logger),
		serialization.WithFactories(factories...))

	engineOpts := []messaging.EngineOption{
		messaging.WithEngineLogger(cfg.logger),
		messaging.WithTransportFactory(transport.MessagingRabbitMq, rabbitmqTransport.Factory(cfg.rabbitmqOptions...)),
		messaging.WithTransportFactory(transport.MessagingRedis, redisTransport.Factory(cfg.redisOptions...)),
	}
	if cfg.metrics != nil {
		engineOpts = append(engineOpts, messaging.WithEngineMetrics(cfg.metrics))
	}
	msgEngine, err := messaging.NewEngine(resolver, serializer, types, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging engine: %w", err)
	}

	cqrsOpts := append([]cqrs.Option{cqrs.WithLogger(cfg.logger)}, cfg.cqrsOptions...)
	cqrsEngine, err := cqrs.NewEngine(msgEngine, cfg.endpoints, cqrsOpts...)
	if err != nil {
		_ = msgEngine.Close()
		return nil, fmt.Errorf("failed to create cqrs engine: %w", err)
	}

	return &Client{
		resolver:   resolver,
		types:      types,
		serializer: serializer,
		messaging:  msgEngine,
		cqrs:       cqrsEngine,
		logger:     cfg.logger,
	}, nil
}

// NewClientFromEnv reads the transports ids from the environment, see
// transport.LoadFromEnv
func NewClientFromEnv(prefix string, ids []string, options ...ClientOption) (*Client, error) {
	transports, err := transport.LoadFromEnv(prefix, ids...)
	if err != nil {
		return nil, err
	}
	return NewClient(transports, options...)
}

// Start starts the CQRS engine
func (c *Client) Start(ctx context.Context) error {
	return c.cqrs.Start(ctx)
}

// SendCommand sends a command to a bounded context
func (c *Client) SendCommand(ctx context.Context, cmd any, boundedContext string, priority contracts.CommandPriority) error {
	return c.cqrs.SendCommand(ctx, cmd, boundedContext, priority)
}

// PublishEvent publishes an event of a bounded context
func (c *Client) PublishEvent(ctx context.Context, evt any, boundedContext string) error {
	return c.cqrs.PublishEvent(ctx, evt, boundedContext)
}

// Resolver returns the transport directory
func (c *Client) Resolver() *transport.Resolver {
	return c.resolver
}

// Types returns the message type registry
func (c *Client) Types() *serialization.DefaultTypeRegistry {
	return c.types
}

// Serializer returns the serialization manager
func (c *Client) Serializer() *serialization.Manager {
	return c.serializer
}

// Messaging returns the messaging engine
func (c *Client) Messaging() *messaging.Engine {
	return c.messaging
}

// CQRS returns the CQRS engine
func (c *Client) CQRS() *cqrs.CqrsEngine {
	return c.cqrs
}

// Close stops the CQRS engine, then closes every session and transport
func (c *Client) Close() error {
	return errors.Join(c.cqrs.Close(), c.messaging.Close())
}

type clientConfig struct {
	logger              *slog.Logger
	jailStrategies      map[string]transport.JailStrategy
	serializerFactories []serialization.SerializerFactory
	metrics             messaging.MetricsCollector
	messageTypes        map[string]any
	endpoints           map[string]messaging.Endpoint
	cqrsOptions         []cqrs.Option
	rabbitmqOptions     []rabbitmqTransport.TransportOption
	redisOptions        []redisTransport.Option
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithJailStrategies adds named jail strategies transports can refer to
func WithJailStrategies(strategies map[string]transport.JailStrategy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.jailStrategies = strategies
	}
}

// WithSerializerFactories adds factories polled next to the JSON factory
func WithSerializerFactories(factories ...serialization.SerializerFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serializerFactories = append(cfg.serializerFactories, factories...)
	}
}

// WithMetrics sets the collector every session reports to
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithMessageType registers a message type under its wire name
func WithMessageType(name string, value any) ClientOption {
	return func(cfg *clientConfig) {
		cfg.messageTypes[name] = value
	}
}

// WithEndpoints sets the endpoint directory used by bounded contexts
func WithEndpoints(endpoints map[string]messaging.Endpoint) ClientOption {
	return func(cfg *clientConfig) {
		cfg.endpoints = endpoints
	}
}

// WithCqrsOptions passes options to the CQRS engine
func WithCqrsOptions(opts ...cqrs.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.cqrsOptions = append(cfg.cqrsOptions, opts...)
	}
}

// WithRabbitMQOptions configures transports of the RabbitMq messaging kind
func WithRabbitMQOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rabbitmqOptions = append(cfg.rabbitmqOptions, opts...)
	}
}

// WithRedisOptions configures transports of the Redis messaging kind
func WithRedisOptions(opts ...redisTransport.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redisOptions = append(cfg.redisOptions, opts...)
	}
}

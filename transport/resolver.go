package transport

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/glimte/mmate-cqrs/contracts"
)

// Resolver looks up transports by id
type Resolver struct {
	transports     map[string]*TransportInfo
	jailStrategies map[string]JailStrategy
	logger         *slog.Logger
}

// ResolverOption configures a Resolver
type ResolverOption func(*resolverConfig)

type resolverConfig struct {
	jailStrategies map[string]JailStrategy
	logger         *slog.Logger
}

// WithJailStrategies adds caller-defined jail strategies
func WithJailStrategies(strategies map[string]JailStrategy) ResolverOption {
	return func(c *resolverConfig) {
		c.jailStrategies = strategies
	}
}

// WithResolverLogger sets the logger
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(c *resolverConfig) {
		c.logger = logger
	}
}

// NewResolver validates transports and attaches the resolved jail strategy to
// a copy of each of them. An empty strategy name means None.
func NewResolver(transports map[string]*TransportInfo, opts ...ResolverOption) (*Resolver, error) {
	if transports == nil {
		return nil, fmt.Errorf("%w: transports cannot be nil", contracts.ErrInvalidArgument)
	}

	cfg := &resolverConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	strategies := builtinJailStrategies()
	for name, strategy := range cfg.jailStrategies {
		if _, exists := strategies[name]; exists {
			return nil, &contracts.ConfigError{
				Scope:   "transport resolver",
				Subject: fmt.Sprintf("jail strategy %s", name),
				Reason:  "a jail strategy with this name is already registered",
				Err:     fmt.Errorf("%w: %w", contracts.ErrInvalidArgument, contracts.ErrConfigConflict),
			}
		}
		if strategy == nil {
			return nil, fmt.Errorf("%w: jail strategy %s is nil", contracts.ErrInvalidArgument, name)
		}
		strategies[name] = strategy
	}

	r := &Resolver{
		transports:     make(map[string]*TransportInfo, len(transports)),
		jailStrategies: strategies,
		logger:         cfg.logger,
	}

	for id, info := range transports {
		if info == nil {
			return nil, fmt.Errorf("%w: transport %s is nil", contracts.ErrInvalidArgument, id)
		}
		name := info.JailStrategyName
		if name == "" {
			name = JailNone
		}
		strategy, ok := strategies[name]
		if !ok {
			return nil, &contracts.ConfigError{
				Scope:   fmt.Sprintf("transport %s", id),
				Subject: fmt.Sprintf("jail strategy %s", name),
				Reason:  fmt.Sprintf("make sure jail strategy %s is registered for transport configuration", name),
				Err:     fmt.Errorf("%w: %w", contracts.ErrInvalidArgument, contracts.ErrConfigConflict),
			}
		}

		resolved := *info
		resolved.JailStrategyName = name
		resolved.jailStrategy = strategy
		r.transports[id] = &resolved

		r.logger.Debug("transport resolved",
			"transport", id,
			"messaging", resolved.Messaging,
			"jailStrategy", name)
	}

	return r, nil
}

// GetTransport returns the descriptor for a transport id
func (r *Resolver) GetTransport(transportID string) (*TransportInfo, bool) {
	info, ok := r.transports[transportID]
	return info, ok
}

// Transports returns the known transport ids, sorted
func (r *Resolver) Transports() []string {
	ids := make([]string, 0, len(r.transports))
	for id := range r.transports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PhysicalName resolves the name a logical destination has on the given transport
func (r *Resolver) PhysicalName(transportID, logical string) (string, error) {
	info, ok := r.transports[transportID]
	if !ok {
		return "", fmt.Errorf("%w: transport %s is not configured", contracts.ErrInvalidArgument, transportID)
	}
	return info.PhysicalName(logical), nil
}

// PhysicalDestination applies the transport's jail strategy to both names of a destination
func (r *Resolver) PhysicalDestination(transportID string, d contracts.Destination) (contracts.Destination, error) {
	info, ok := r.transports[transportID]
	if !ok {
		return contracts.Destination{}, fmt.Errorf("%w: transport %s is not configured", contracts.ErrInvalidArgument, transportID)
	}
	return contracts.Destination{
		Publish:   info.PhysicalName(d.Publish),
		Subscribe: info.PhysicalName(d.Subscribe),
	}, nil
}

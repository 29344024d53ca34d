package cqrs

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/glimte/mmate-cqrs/contracts"
)

// Registration contributes bounded contexts to an engine
type Registration interface {
	// Create builds runtime objects and adds them to the engine
	Create(engine Engine) error

	// Process performs wiring that needs every context created
	Process(engine Engine) error

	// Dependencies lists the types Create resolves through the engine
	Dependencies() []reflect.Type
}

// Provider is implemented by registrations that make dependency types
// resolvable. Materialize runs providers before registrations depending on them.
type Provider interface {
	Provides() []reflect.Type
}

// Engine is the surface registrations materialize against
type Engine interface {
	ResolveDependency(t reflect.Type) (any, error)
	AddBoundedContext(bc *BoundedContext) error
	BoundedContext(name string) (*BoundedContext, bool)
}

// DependencyRegistrar is implemented by engines accepting dependency instances
type DependencyRegistrar interface {
	RegisterDependency(instance any) error
}

// Descriptor is one piece of bounded context configuration
type Descriptor interface {
	Dependencies() []reflect.Type
	Create(bc *BoundedContext, resolve func(reflect.Type) (any, error)) error
	Process(bc *BoundedContext, engine Engine) error
}

// Types returns the dynamic types of the given values
func Types(values ...any) []reflect.Type {
	types := make([]reflect.Type, 0, len(values))
	for _, v := range values {
		types = append(types, reflect.TypeOf(v))
	}
	return types
}

// RegistrationOption configures a BoundedContextRegistration
type RegistrationOption func(*BoundedContextRegistration)

// WithThreadCount sets how many goroutines drain the context's command queue
func WithThreadCount(n int) RegistrationOption {
	return func(r *BoundedContextRegistration) {
		if n > 0 {
			r.threadCount = n
		}
	}
}

// BoundedContextRegistration declares the routing of one bounded context
type BoundedContextRegistration struct {
	name        string
	threadCount int

	eventSubscriptions   map[reflect.Type]string
	commandSubscriptions map[string]map[reflect.Type]contracts.CommandPriority
	commandRoutes        map[reflect.Type]string
	eventRoutes          map[reflect.Type]string

	descriptors  []Descriptor
	dependencies []reflect.Type
}

// NewBoundedContextRegistration creates a registration for the named context
func NewBoundedContextRegistration(name string, opts ...RegistrationOption) *BoundedContextRegistration {
	r := &BoundedContextRegistration{
		name:                 name,
		threadCount:          4,
		eventSubscriptions:   make(map[reflect.Type]string),
		commandSubscriptions: make(map[string]map[reflect.Type]contracts.CommandPriority),
		commandRoutes:        make(map[reflect.Type]string),
		eventRoutes:          make(map[reflect.Type]string),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.AddDescriptor(&subscriptionDescriptor{
		events:   r.eventSubscriptions,
		commands: r.commandSubscriptions,
	})
	r.AddDescriptor(&routingDescriptor{
		events:   r.eventRoutes,
		commands: r.commandRoutes,
	})
	return r
}

// Name returns the bounded context name
func (r *BoundedContextRegistration) Name() string {
	return r.name
}

// ThreadCount returns the command dispatch concurrency
func (r *BoundedContextRegistration) ThreadCount() int {
	return r.threadCount
}

// SubscribeEvents listens for events of the given types on endpoint. A type
// already subscribed as an event moves to the new endpoint.
func (r *BoundedContextRegistration) SubscribeEvents(types []reflect.Type, endpoint string) error {
	if err := r.checkArgs(types, endpoint); err != nil {
		return err
	}

	if _, used := r.commandSubscriptions[endpoint]; used {
		return r.conflict(fmt.Sprintf("endpoint '%s' as event endpoint", endpoint),
			"it is already registered as commands endpoint")
	}
	for _, t := range types {
		if _, ok := r.commandType(t); ok {
			return r.conflict(fmt.Sprintf("%v as event", t), "it is already registered as command")
		}
	}

	for _, t := range types {
		r.eventSubscriptions[t] = endpoint
	}
	return nil
}

// SubscribeCommands accepts commands of the given types on endpoint. Commands
// sharing an endpoint form one subscription; each type keeps its own priority.
// A type already subscribed as a command moves to the new endpoint and priority.
func (r *BoundedContextRegistration) SubscribeCommands(types []reflect.Type, endpoint string, priority contracts.CommandPriority) error {
	if err := r.checkArgs(types, endpoint); err != nil {
		return err
	}

	for _, e := range r.eventSubscriptions {
		if e == endpoint {
			return r.conflict(fmt.Sprintf("endpoint '%s' as commands endpoint", endpoint),
				"it is already registered as events endpoint")
		}
	}
	for _, t := range types {
		if _, ok := r.eventSubscriptions[t]; ok {
			return r.conflict(fmt.Sprintf("%v as command", t), "it is already registered as event")
		}
	}

	for _, t := range types {
		if previous, ok := r.commandType(t); ok && previous != endpoint {
			delete(r.commandSubscriptions[previous], t)
			if len(r.commandSubscriptions[previous]) == 0 {
				delete(r.commandSubscriptions, previous)
			}
		}
		group, ok := r.commandSubscriptions[endpoint]
		if !ok {
			group = make(map[reflect.Type]contracts.CommandPriority)
			r.commandSubscriptions[endpoint] = group
		}
		group[t] = priority
	}
	return nil
}

// AddCommandsRoute routes outbound commands of the given types to endpoint
func (r *BoundedContextRegistration) AddCommandsRoute(types []reflect.Type, endpoint string) error {
	return r.addRoutes(r.commandRoutes, "command", types, endpoint)
}

// AddEventsRoute routes published events of the given types to endpoint
func (r *BoundedContextRegistration) AddEventsRoute(types []reflect.Type, endpoint string) error {
	return r.addRoutes(r.eventRoutes, "event", types, endpoint)
}

func (r *BoundedContextRegistration) addRoutes(routes map[reflect.Type]string, kind string, types []reflect.Type, endpoint string) error {
	if err := r.checkArgs(types, endpoint); err != nil {
		return err
	}
	for i, t := range types {
		if _, exists := routes[t]; exists {
			return r.conflict(fmt.Sprintf("route for %s '%v'", kind, t), "it is already registered")
		}
		for _, earlier := range types[:i] {
			if earlier == t {
				return r.conflict(fmt.Sprintf("route for %s '%v'", kind, t), "it is listed twice")
			}
		}
	}
	for _, t := range types {
		routes[t] = endpoint
	}
	return nil
}

// RegisterProjection feeds events published by the from context to handler,
// which must implement Projection
func (r *BoundedContextRegistration) RegisterProjection(handler any, from string) error {
	if handler == nil {
		return fmt.Errorf("%w: projection cannot be nil", contracts.ErrInvalidArgument)
	}
	if from == "" {
		return fmt.Errorf("%w: source bounded context cannot be empty", contracts.ErrInvalidArgument)
	}
	if _, ok := handler.(Projection); !ok {
		return fmt.Errorf("%w: %T does not implement Projection", contracts.ErrInvalidArgument, handler)
	}
	r.AddDescriptor(&projectionDescriptor{instance: handler.(Projection), from: from})
	return nil
}

// RegisterProjectionType is RegisterProjection with the handler resolved
// through the engine at materialization
func (r *BoundedContextRegistration) RegisterProjectionType(t reflect.Type, from string) error {
	if t == nil {
		return fmt.Errorf("%w: projection type cannot be nil", contracts.ErrInvalidArgument)
	}
	if from == "" {
		return fmt.Errorf("%w: source bounded context cannot be empty", contracts.ErrInvalidArgument)
	}
	r.AddDescriptor(&projectionDescriptor{handlerType: t, from: from})
	return nil
}

// AddDescriptor appends a descriptor and merges its dependencies
func (r *BoundedContextRegistration) AddDescriptor(d Descriptor) {
	if d == nil {
		return
	}
	for _, dep := range d.Dependencies() {
		if !slices.Contains(r.dependencies, dep) {
			r.dependencies = append(r.dependencies, dep)
		}
	}
	r.descriptors = append(r.descriptors, d)
}

// Dependencies implements Registration
func (r *BoundedContextRegistration) Dependencies() []reflect.Type {
	return append([]reflect.Type(nil), r.dependencies...)
}

// Create implements Registration
func (r *BoundedContextRegistration) Create(engine Engine) error {
	if r.name == "" {
		return fmt.Errorf("%w: bounded context name cannot be empty", contracts.ErrInvalidArgument)
	}

	bc := newBoundedContext(r.name, r.threadCount)
	for _, d := range r.descriptors {
		if err := d.Create(bc, engine.ResolveDependency); err != nil {
			return fmt.Errorf("bounded context %s: %w", r.name, err)
		}
	}
	return engine.AddBoundedContext(bc)
}

// Process implements Registration
func (r *BoundedContextRegistration) Process(engine Engine) error {
	bc, ok := engine.BoundedContext(r.name)
	if !ok {
		return fmt.Errorf("%w: bounded context %s was not created", contracts.ErrInvalidOperation, r.name)
	}
	for _, d := range r.descriptors {
		if err := d.Process(bc, engine); err != nil {
			return fmt.Errorf("bounded context %s: %w", r.name, err)
		}
	}
	return nil
}

func (r *BoundedContextRegistration) commandType(t reflect.Type) (string, bool) {
	for endpoint, group := range r.commandSubscriptions {
		if _, ok := group[t]; ok {
			return endpoint, true
		}
	}
	return "", false
}

func (r *BoundedContextRegistration) checkArgs(types []reflect.Type, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint cannot be empty", contracts.ErrInvalidArgument)
	}
	for _, t := range types {
		if t == nil {
			return fmt.Errorf("%w: message type cannot be nil", contracts.ErrInvalidArgument)
		}
	}
	return nil
}

func (r *BoundedContextRegistration) conflict(subject, reason string) error {
	return contracts.NewConfigConflict("bounded context "+r.name, subject, reason)
}

// DependencyRegistration makes instances resolvable by their dynamic type
type DependencyRegistration struct {
	instances []any
}

// NewDependencyRegistration registers the given instances
func NewDependencyRegistration(instances ...any) *DependencyRegistration {
	return &DependencyRegistration{instances: instances}
}

// Provides implements Provider
func (d *DependencyRegistration) Provides() []reflect.Type {
	return Types(d.instances...)
}

// Dependencies implements Registration
func (d *DependencyRegistration) Dependencies() []reflect.Type {
	return nil
}

// Create implements Registration
func (d *DependencyRegistration) Create(engine Engine) error {
	registrar, ok := engine.(DependencyRegistrar)
	if !ok {
		return fmt.Errorf("%w: %T does not accept dependencies", contracts.ErrInvalidOperation, engine)
	}
	for _, instance := range d.instances {
		if err := registrar.RegisterDependency(instance); err != nil {
			return err
		}
	}
	return nil
}

// Process implements Registration
func (d *DependencyRegistration) Process(engine Engine) error {
	return nil
}

package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/interceptors"
	"github.com/glimte/mmate-cqrs/messaging"
)

// CommandHandler executes one command
type CommandHandler func(ctx context.Context, cmd any) error

// EventHandler reacts to one event
type EventHandler func(ctx context.Context, evt any) error

// Projection folds events of another bounded context into a read model
type Projection interface {
	Handle(ctx context.Context, event any) error
}

// ProjectionFunc is a function adapter for Projection
type ProjectionFunc func(ctx context.Context, event any) error

// Handle implements Projection
func (f ProjectionFunc) Handle(ctx context.Context, event any) error {
	return f(ctx, event)
}

// CommandSender sends commands to a bounded context
type CommandSender interface {
	SendCommand(ctx context.Context, cmd any, boundedContext string, priority contracts.CommandPriority) error
}

// EventPublisher publishes events on behalf of a bounded context
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt any, boundedContext string) error
}

// Option configures a CqrsEngine
type Option func(*CqrsEngine)

// WithRegistrations adds registrations materialized by Start
func WithRegistrations(registrations ...Registration) Option {
	return func(e *CqrsEngine) {
		e.registrations = append(e.registrations, registrations...)
	}
}

// WithDependencies makes instances resolvable by their dynamic type
func WithDependencies(instances ...any) Option {
	return func(e *CqrsEngine) {
		e.registrations = append(e.registrations, NewDependencyRegistration(instances...))
	}
}

// WithDependencyResolver sets the fallback for types not registered as instances
func WithDependencyResolver(resolve func(t reflect.Type) (any, error)) Option {
	return func(e *CqrsEngine) {
		e.resolver = resolve
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *CqrsEngine) {
		e.logger = logger
	}
}

// WithDefaultTransport maps endpoint names missing from the directory to a
// destination of the same name on the given transport
func WithDefaultTransport(transportID string) Option {
	return func(e *CqrsEngine) {
		e.defaultTransport = transportID
	}
}

// WithInterceptorChain runs every command and event handler through chain
func WithInterceptorChain(chain *interceptors.InterceptorChain) Option {
	return func(e *CqrsEngine) {
		e.chain = chain
	}
}

// CqrsEngine materializes bounded contexts and moves their commands and
// events over a messaging engine
type CqrsEngine struct {
	messaging        *messaging.Engine
	endpoints        map[string]messaging.Endpoint
	defaultTransport string
	registrations    []Registration
	resolver         func(t reflect.Type) (any, error)
	chain            *interceptors.InterceptorChain
	logger           *slog.Logger

	mu              sync.RWMutex
	contexts        map[string]*BoundedContext
	order           []string
	dependencies    map[reflect.Type]any
	commandHandlers map[string]map[reflect.Type]CommandHandler
	eventHandlers   map[string]map[reflect.Type][]EventHandler

	lifecycle sync.Mutex
	started   atomic.Bool
	closed    atomic.Bool
	cancel    context.CancelFunc
	workers   sync.WaitGroup
}

var (
	_ Engine              = (*CqrsEngine)(nil)
	_ DependencyRegistrar = (*CqrsEngine)(nil)
	_ CommandSender       = (*CqrsEngine)(nil)
	_ EventPublisher      = (*CqrsEngine)(nil)
)

// NewEngine creates a CQRS engine. endpoints maps the endpoint names used by
// registrations to messaging endpoints.
func NewEngine(msg *messaging.Engine, endpoints map[string]messaging.Endpoint, opts ...Option) (*CqrsEngine, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: messaging engine cannot be nil", contracts.ErrInvalidArgument)
	}

	e := &CqrsEngine{
		messaging:       msg,
		endpoints:       maps.Clone(endpoints),
		logger:          slog.Default(),
		contexts:        make(map[string]*BoundedContext),
		dependencies:    make(map[reflect.Type]any),
		commandHandlers: make(map[string]map[reflect.Type]CommandHandler),
		eventHandlers:   make(map[string]map[reflect.Type][]EventHandler),
	}
	if e.endpoints == nil {
		e.endpoints = make(map[string]messaging.Endpoint)
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.chain == nil {
		e.chain = interceptors.NewInterceptorChain(e.logger)
	}

	return e, nil
}

// ResolveDependency implements Engine
func (e *CqrsEngine) ResolveDependency(t reflect.Type) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: dependency type cannot be nil", contracts.ErrInvalidArgument)
	}

	e.mu.RLock()
	instance, ok := e.dependencies[t]
	e.mu.RUnlock()
	if ok {
		return instance, nil
	}

	if e.resolver != nil {
		return e.resolver(t)
	}
	return nil, &contracts.ProcessingError{Type: t.String(), Reason: "dependency not registered"}
}

// RegisterDependency implements DependencyRegistrar
func (e *CqrsEngine) RegisterDependency(instance any) error {
	if instance == nil {
		return fmt.Errorf("%w: dependency cannot be nil", contracts.ErrInvalidArgument)
	}

	t := reflect.TypeOf(instance)
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.dependencies[t]; ok {
		return contracts.NewConfigConflict("cqrs engine", fmt.Sprintf("dependency %v", t),
			fmt.Sprintf("an instance (%p) is already registered", existing))
	}
	e.dependencies[t] = instance
	return nil
}

// AddBoundedContext implements Engine
func (e *CqrsEngine) AddBoundedContext(bc *BoundedContext) error {
	if bc == nil {
		return fmt.Errorf("%w: bounded context cannot be nil", contracts.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[bc.name]; ok {
		return contracts.NewConfigConflict("cqrs engine", "bounded context "+bc.name,
			"a bounded context with the same name is already registered")
	}
	e.contexts[bc.name] = bc
	e.order = append(e.order, bc.name)
	return nil
}

// BoundedContext implements Engine
func (e *CqrsEngine) BoundedContext(name string) (*BoundedContext, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bc, ok := e.contexts[name]
	return bc, ok
}

// BoundedContexts returns the materialized contexts in creation order
func (e *CqrsEngine) BoundedContexts() []*BoundedContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	contexts := make([]*BoundedContext, 0, len(e.order))
	for _, name := range e.order {
		contexts = append(contexts, e.contexts[name])
	}
	return contexts
}

// RegisterCommandHandler sets the handler for commands of type t received by
// boundedContext. Each command type has at most one handler per context.
func (e *CqrsEngine) RegisterCommandHandler(boundedContext string, t reflect.Type, handler CommandHandler) error {
	if boundedContext == "" || t == nil || handler == nil {
		return fmt.Errorf("%w: bounded context, command type and handler are required", contracts.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	handlers, ok := e.commandHandlers[boundedContext]
	if !ok {
		handlers = make(map[reflect.Type]CommandHandler)
		e.commandHandlers[boundedContext] = handlers
	}
	if _, ok := handlers[t]; ok {
		return contracts.NewConfigConflict("bounded context "+boundedContext,
			fmt.Sprintf("command handler for %v", t), "a handler is already registered")
	}
	handlers[t] = handler
	return nil
}

// RegisterEventHandler adds a handler for events of type t that
// boundedContext subscribes to
func (e *CqrsEngine) RegisterEventHandler(boundedContext string, t reflect.Type, handler EventHandler) error {
	if boundedContext == "" || t == nil || handler == nil {
		return fmt.Errorf("%w: bounded context, event type and handler are required", contracts.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	handlers, ok := e.eventHandlers[boundedContext]
	if !ok {
		handlers = make(map[reflect.Type][]EventHandler)
		e.eventHandlers[boundedContext] = handlers
	}
	handlers[t] = append(handlers[t], handler)
	return nil
}

// HandleCommand registers a typed command handler
func HandleCommand[T any](e *CqrsEngine, boundedContext string, handler func(ctx context.Context, cmd T) error) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidArgument)
	}
	return e.RegisterCommandHandler(boundedContext, reflect.TypeFor[T](), func(ctx context.Context, cmd any) error {
		return handler(ctx, cmd.(T))
	})
}

// HandleEvent registers a typed event handler
func HandleEvent[T any](e *CqrsEngine, boundedContext string, handler func(ctx context.Context, evt T) error) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidArgument)
	}
	return e.RegisterEventHandler(boundedContext, reflect.TypeFor[T](), func(ctx context.Context, evt any) error {
		return handler(ctx, evt.(T))
	})
}

// Start materializes the registrations, starts the command dispatchers and
// subscribes every command, event and projection endpoint
func (e *CqrsEngine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closed.Load() {
		return fmt.Errorf("%w: cqrs engine is closed", contracts.ErrDisposed)
	}
	if e.started.Load() {
		return fmt.Errorf("%w: cqrs engine is already started", contracts.ErrInvalidOperation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// a failed start leaves the engine as it was, so Start can be retried
	saved := e.snapshot()
	if err := e.start(ctx); err != nil {
		e.restore(saved)
		return err
	}

	e.started.Store(true)
	e.logger.Info("cqrs engine started", "boundedContexts", len(e.BoundedContexts()))
	return nil
}

func (e *CqrsEngine) start(ctx context.Context) error {
	if err := Materialize(e, e.logger, e.registrations...); err != nil {
		return err
	}

	contexts := e.BoundedContexts()
	for _, bc := range contexts {
		if err := e.checkEndpoints(bc); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	for _, bc := range contexts {
		if err := e.startContext(runCtx, bc); err != nil {
			if stopErr := e.stop(); stopErr != nil {
				e.logger.Warn("failed to release subscriptions", "error", stopErr)
			}
			return fmt.Errorf("failed to start bounded context %s: %w", bc.name, err)
		}
	}
	return nil
}

type engineState struct {
	contexts     map[string]*BoundedContext
	order        []string
	dependencies map[reflect.Type]any
}

func (e *CqrsEngine) snapshot() engineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return engineState{
		contexts:     maps.Clone(e.contexts),
		order:        slices.Clone(e.order),
		dependencies: maps.Clone(e.dependencies),
	}
}

// restore drops what a failed start materialized. Contexts it created are
// discarded together with their queues.
func (e *CqrsEngine) restore(state engineState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contexts = state.contexts
	e.order = state.order
	e.dependencies = state.dependencies
	e.cancel = nil
}

// SendCommand sends cmd to the endpoint boundedContext routes or accepts its
// type on. priority travels with the command and can only raise the priority
// the receiving context subscribed the type with.
func (e *CqrsEngine) SendCommand(ctx context.Context, cmd any, boundedContext string, priority contracts.CommandPriority) error {
	if cmd == nil {
		return fmt.Errorf("%w: command cannot be nil", contracts.ErrInvalidArgument)
	}
	bc, err := e.runningContext(boundedContext)
	if err != nil {
		return err
	}

	t := reflect.TypeOf(cmd)
	name, ok := bc.CommandEndpoint(t)
	if !ok {
		return &contracts.ProcessingError{
			Type:   t.String(),
			Reason: fmt.Sprintf("bounded context %s has no route or subscription for the command", bc.name),
		}
	}
	ep, err := e.endpoint(name)
	if err != nil {
		return err
	}

	if err := e.messaging.Send(ctx, cmd, ep, messaging.WithHeader(contracts.HeaderPriority, priority.String())); err != nil {
		return fmt.Errorf("failed to send command %v to %s: %w", t, ep, err)
	}
	return nil
}

// PublishEvent publishes evt to the endpoint boundedContext routes or
// subscribes its type on
func (e *CqrsEngine) PublishEvent(ctx context.Context, evt any, boundedContext string) error {
	if evt == nil {
		return fmt.Errorf("%w: event cannot be nil", contracts.ErrInvalidArgument)
	}
	bc, err := e.runningContext(boundedContext)
	if err != nil {
		return err
	}

	t := reflect.TypeOf(evt)
	name, ok := bc.EventEndpoint(t)
	if !ok {
		return &contracts.ProcessingError{
			Type:   t.String(),
			Reason: fmt.Sprintf("bounded context %s has no route or subscription for the event", bc.name),
		}
	}
	ep, err := e.endpoint(name)
	if err != nil {
		return err
	}

	if err := e.messaging.Send(ctx, evt, ep); err != nil {
		return fmt.Errorf("failed to publish event %v to %s: %w", t, ep, err)
	}
	return nil
}

// Close releases subscriptions and stops the dispatchers. Commands still
// queued are dropped. The messaging engine is left open.
func (e *CqrsEngine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closed.Swap(true) {
		return nil
	}
	return e.stop()
}

func (e *CqrsEngine) stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	var errs []error
	for _, bc := range e.BoundedContexts() {
		for _, sub := range bc.release() {
			if err := sub.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		bc.queue.Close()
	}
	e.workers.Wait()
	return errors.Join(errs...)
}

func (e *CqrsEngine) runningContext(name string) (*BoundedContext, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("%w: cqrs engine is closed", contracts.ErrDisposed)
	}
	if !e.started.Load() {
		return nil, fmt.Errorf("%w: cqrs engine is not started", contracts.ErrInvalidOperation)
	}

	bc, ok := e.BoundedContext(name)
	if !ok {
		return nil, &contracts.ProcessingError{Type: name, Reason: "bounded context is not registered"}
	}
	return bc, nil
}

func (e *CqrsEngine) endpoint(name string) (messaging.Endpoint, error) {
	if ep, ok := e.endpoints[name]; ok {
		return ep, nil
	}
	if e.defaultTransport != "" {
		return messaging.NewEndpoint(e.defaultTransport, name), nil
	}
	return messaging.Endpoint{}, contracts.NewConfigConflict("cqrs engine", "endpoint "+name,
		"endpoint is not in the directory and no default transport is set")
}

func (e *CqrsEngine) checkEndpoints(bc *BoundedContext) error {
	names := bc.CommandEndpoints()
	names = append(names, slices.Collect(maps.Values(bc.commandRoutes))...)
	names = append(names, slices.Collect(maps.Values(bc.eventSubscriptions))...)
	names = append(names, slices.Collect(maps.Values(bc.eventRoutes))...)
	for _, name := range names {
		if _, err := e.endpoint(name); err != nil {
			return fmt.Errorf("bounded context %s: %w", bc.name, err)
		}
	}
	return nil
}

func (e *CqrsEngine) startContext(ctx context.Context, bc *BoundedContext) error {
	for i := 0; i < bc.threadCount; i++ {
		e.workers.Add(1)
		go e.drain(ctx, bc)
	}

	for _, name := range bc.CommandEndpoints() {
		ep, err := e.endpoint(name)
		if err != nil {
			return err
		}
		group := maps.Clone(bc.commandSubscriptions[name])
		sub, err := e.messaging.Subscribe(ep, e.enqueue(bc, group), bc.CommandTypes(name)...)
		if err != nil {
			return fmt.Errorf("failed to subscribe commands at %s: %w", ep, err)
		}
		bc.track(sub)
	}

	for name, types := range bc.EventEndpoints() {
		ep, err := e.endpoint(name)
		if err != nil {
			return err
		}
		sub, err := e.messaging.Subscribe(ep, e.deliverEvent(ctx, bc), types...)
		if err != nil {
			return fmt.Errorf("failed to subscribe events at %s: %w", ep, err)
		}
		bc.track(sub)
	}

	for _, binding := range bc.Projections() {
		for name, types := range groupByEndpoint(binding.Events) {
			ep, err := e.endpoint(name)
			if err != nil {
				return err
			}
			sub, err := e.messaging.Subscribe(ep, e.deliverProjection(ctx, bc, binding), types...)
			if err != nil {
				return fmt.Errorf("failed to subscribe projection from %s at %s: %w", binding.Source, ep, err)
			}
			bc.track(sub)
		}
	}

	e.logger.Debug("bounded context started",
		"boundedContext", bc.name,
		"threadCount", bc.threadCount,
		"commandEndpoints", len(bc.commandSubscriptions),
		"projections", len(bc.projections))
	return nil
}

// enqueue acknowledges commands once they are queued
func (e *CqrsEngine) enqueue(bc *BoundedContext, group map[reflect.Type]contracts.CommandPriority) messaging.MessageHandler {
	return func(msg any, headers map[string]string, ack messaging.AckFunc) {
		t := reflect.TypeOf(msg)
		priority := group[t]
		if raw, ok := headers[contracts.HeaderPriority]; ok {
			requested, err := contracts.ParseCommandPriority(raw)
			if err != nil {
				e.logger.Warn("ignoring invalid command priority",
					"boundedContext", bc.name,
					"type", t.String(),
					"priority", raw)
			} else if requested > priority {
				priority = requested
			}
		}

		err := bc.queue.Push(&QueuedCommand{Command: msg, Type: t, Priority: priority, Headers: headers})
		if err != nil {
			e.logger.Warn("dropping command",
				"boundedContext", bc.name,
				"type", t.String(),
				"error", err)
		}
	}
}

func (e *CqrsEngine) drain(ctx context.Context, bc *BoundedContext) {
	defer e.workers.Done()
	for {
		cmd, err := bc.queue.Pop(ctx)
		if err != nil {
			return
		}
		e.dispatchCommand(ctx, bc, cmd)
	}
}

func (e *CqrsEngine) dispatchCommand(ctx context.Context, bc *BoundedContext, cmd *QueuedCommand) {
	e.mu.RLock()
	handler := e.commandHandlers[bc.name][cmd.Type]
	e.mu.RUnlock()
	if handler == nil {
		e.logger.Warn("no handler for command",
			"boundedContext", bc.name,
			"type", cmd.Type.String())
		return
	}

	msg := &interceptors.Message{
		Body:           cmd.Command,
		Type:           cmd.Type.String(),
		Kind:           interceptors.KindCommand,
		BoundedContext: bc.name,
		Headers:        cmd.Headers,
	}
	err := e.chain.Execute(ctx, msg, interceptors.MessageHandlerFunc(func(ctx context.Context, m *interceptors.Message) error {
		return handler(ctx, m.Body)
	}))
	if err != nil {
		e.logger.Error("command handler failed",
			"boundedContext", bc.name,
			"type", msg.Type,
			"priority", cmd.Priority.String(),
			"error", err)
	}
}

func (e *CqrsEngine) deliverEvent(ctx context.Context, bc *BoundedContext) messaging.MessageHandler {
	return func(evt any, headers map[string]string, ack messaging.AckFunc) {
		t := reflect.TypeOf(evt)
		e.mu.RLock()
		handlers := slices.Clone(e.eventHandlers[bc.name][t])
		e.mu.RUnlock()
		if len(handlers) == 0 {
			e.logger.Debug("no handler for event",
				"boundedContext", bc.name,
				"type", t.String())
			return
		}

		for _, handler := range handlers {
			e.handleEvent(ctx, bc, evt, headers, handler)
		}
	}
}

func (e *CqrsEngine) deliverProjection(ctx context.Context, bc *BoundedContext, binding *ProjectionBinding) messaging.MessageHandler {
	return func(evt any, headers map[string]string, ack messaging.AckFunc) {
		e.handleEvent(ctx, bc, evt, headers, binding.Projection.Handle)
	}
}

func (e *CqrsEngine) handleEvent(ctx context.Context, bc *BoundedContext, evt any, headers map[string]string, handler EventHandler) {
	msg := &interceptors.Message{
		Body:           evt,
		Type:           reflect.TypeOf(evt).String(),
		Kind:           interceptors.KindEvent,
		BoundedContext: bc.name,
		Headers:        headers,
	}
	err := e.chain.Execute(ctx, msg, interceptors.MessageHandlerFunc(func(ctx context.Context, m *interceptors.Message) error {
		return handler(ctx, m.Body)
	}))
	if err != nil {
		e.logger.Error("event handler failed",
			"boundedContext", bc.name,
			"type", msg.Type,
			"error", err)
	}
}

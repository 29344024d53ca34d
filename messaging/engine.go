package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/scheduling"
	"github.com/glimte/mmate-cqrs/serialization"
	"github.com/glimte/mmate-cqrs/transport"
)

// HeaderError carries a handler failure back to the requester
const HeaderError = "Error"

// RemoteError is delivered to a request callback when the remote handler failed
type RemoteError struct {
	Destination string
	Message     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("handler at %s failed: %s", e.Destination, e.Message)
}

// Endpoint is a logical destination on a configured transport
type Endpoint struct {
	TransportID string
	Destination contracts.Destination
}

// NewEndpoint creates an endpoint publishing and subscribing on the same name
func NewEndpoint(transportID, destination string) Endpoint {
	return Endpoint{TransportID: transportID, Destination: contracts.NewDestination(destination)}
}

// String returns transport and destination
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s", e.TransportID, e.Destination)
}

// MessageHandler receives a deserialized message with its headers
type MessageHandler func(msg any, headers map[string]string, ack AckFunc)

// RequestHandler answers a deserialized request
type RequestHandler func(request any) (any, error)

// Engine sends and receives typed messages over lazily opened transport sessions
type Engine struct {
	resolver   *transport.Resolver
	serializer *serialization.Manager
	types      serialization.TypeRegistry
	logger     *slog.Logger
	metrics    MetricsCollector
	sessionOpt []SessionOption
	timeouts   *scheduling.DelayQueue

	mu         sync.Mutex
	factories  map[string]TransportFactory
	transports map[string]Transport
	opened     []openedTransport
	sessions   map[string]Session
	closed     bool
}

type openedTransport struct {
	info      *transport.TransportInfo
	transport Transport
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics sets the metrics collector handed to every session
func WithEngineMetrics(metrics MetricsCollector) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithSessionOptions adds options applied to every session the engine opens
func WithSessionOptions(opts ...SessionOption) EngineOption {
	return func(e *Engine) {
		e.sessionOpt = append(e.sessionOpt, opts...)
	}
}

// WithTransportFactory registers a factory for a messaging kind
func WithTransportFactory(kind string, factory TransportFactory) EngineOption {
	return func(e *Engine) {
		e.factories[kind] = factory
	}
}

// NewEngine creates a messaging engine. The InMemory messaging kind is always available.
func NewEngine(resolver *transport.Resolver, serializer *serialization.Manager, types serialization.TypeRegistry, opts ...EngineOption) (*Engine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%w: transport resolver cannot be nil", contracts.ErrInvalidArgument)
	}
	if serializer == nil {
		return nil, fmt.Errorf("%w: serialization manager cannot be nil", contracts.ErrInvalidArgument)
	}
	if types == nil {
		return nil, fmt.Errorf("%w: type registry cannot be nil", contracts.ErrInvalidArgument)
	}

	e := &Engine{
		resolver:   resolver,
		serializer: serializer,
		types:      types,
		logger:     slog.Default(),
		metrics:    &NoOpMetricsCollector{},
		factories:  make(map[string]TransportFactory),
		transports: make(map[string]Transport),
		sessions:   make(map[string]Session),
	}
	e.factories[transport.MessagingInMemory] = func(info *transport.TransportInfo, logger *slog.Logger) (Transport, error) {
		return NewInMemoryTransport(WithInMemoryLogger(logger)), nil
	}

	for _, opt := range opts {
		opt(e)
	}

	e.timeouts = scheduling.NewDelayQueue("request-timeouts", e.logger)
	return e, nil
}

// RegisterTransportFactory registers a factory for a messaging kind. Registering
// a kind twice is a configuration conflict.
func (e *Engine) RegisterTransportFactory(kind string, factory TransportFactory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("%w: messaging kind and factory are required", contracts.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.factories[kind]; exists && kind != transport.MessagingInMemory {
		return contracts.NewConfigConflict("messaging engine", "transport factory "+kind, "factory already registered")
	}
	e.factories[kind] = factory
	return nil
}

// Resolver returns the transport directory
func (e *Engine) Resolver() *transport.Resolver {
	return e.resolver
}

// Session returns the session for a transport id, opening it on first use
func (e *Engine) Session(transportID string) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("messaging engine: %w", contracts.ErrDisposed)
	}
	if s, ok := e.sessions[transportID]; ok {
		return s, nil
	}

	info, ok := e.resolver.GetTransport(transportID)
	if !ok {
		return nil, fmt.Errorf("%w: transport %s is not configured", contracts.ErrInvalidArgument, transportID)
	}

	t, err := e.transportLocked(transportID, info)
	if err != nil {
		return nil, err
	}

	opts := append([]SessionOption{
		WithSessionLogger(e.logger.With("transport", transportID)),
		WithSessionMetrics(e.metrics),
	}, e.sessionOpt...)

	s, err := t.CreateSession(opts...)
	if err != nil {
		e.metrics.RecordError("engine", "session")
		return nil, fmt.Errorf("%w: failed to open session on %s: %w", contracts.ErrTransport, transportID, err)
	}
	e.sessions[transportID] = s

	e.logger.Info("session opened",
		"transport", transportID,
		"messaging", info.Messaging,
		"broker", info.Broker)
	return s, nil
}

// transportLocked reuses a transport already opened for an equal descriptor
func (e *Engine) transportLocked(transportID string, info *transport.TransportInfo) (Transport, error) {
	if t, ok := e.transports[transportID]; ok {
		return t, nil
	}
	for _, o := range e.opened {
		if o.info.Messaging == info.Messaging && o.info.Equal(info) {
			e.transports[transportID] = o.transport
			return o.transport, nil
		}
	}

	factory, ok := e.factories[info.Messaging]
	if !ok {
		return nil, fmt.Errorf("%w: no transport factory for messaging %s", contracts.ErrInvalidArgument, info.Messaging)
	}
	t, err := factory(info, e.logger.With("transport", transportID))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create transport %s: %w", contracts.ErrTransport, transportID, err)
	}
	e.transports[transportID] = t
	e.opened = append(e.opened, openedTransport{info: info, transport: t})
	return t, nil
}

// SendOption configures an outbound message
type SendOption func(*sendConfig)

type sendConfig struct {
	headers map[string]string
	ttl     time.Duration
}

// WithHeader sets a header on the outbound message
func WithHeader(key, value string) SendOption {
	return func(c *sendConfig) {
		c.headers[key] = value
	}
}

// WithTTL sets the advisory time to live
func WithTTL(ttl time.Duration) SendOption {
	return func(c *sendConfig) {
		c.ttl = ttl
	}
}

// Send serializes msg and publishes it to the endpoint
func (e *Engine) Send(ctx context.Context, msg any, ep Endpoint, opts ...SendOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := &sendConfig{headers: make(map[string]string)}
	for _, opt := range opts {
		opt(cfg)
	}

	bm, err := e.encode(msg, cfg.headers)
	if err != nil {
		return err
	}
	session, destination, err := e.route(ep.TransportID, ep.Destination.Publish)
	if err != nil {
		return err
	}
	return session.Send(destination, bm, cfg.ttl)
}

// Subscribe delivers messages of the given types arriving at the endpoint.
// Messages of other types are acknowledged and dropped.
func (e *Engine) Subscribe(ep Endpoint, handler MessageHandler, types ...reflect.Type) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidArgument)
	}
	byTag, err := e.tags(types)
	if err != nil {
		return nil, err
	}

	session, destination, err := e.route(ep.TransportID, ep.Destination.Subscribe)
	if err != nil {
		return nil, err
	}

	return session.Subscribe(destination, func(bm *contracts.BinaryMessage, ack AckFunc) {
		t, ok := byTag[bm.Type]
		if !ok {
			e.logger.Debug("ignoring message of unsubscribed type",
				"destination", destination,
				"type", bm.Type)
			return
		}
		msg, err := e.serializer.Deserialize(bm.Bytes, t)
		if err != nil {
			e.logger.Error("failed to deserialize message",
				"destination", destination,
				"type", bm.Type,
				"error", err)
			e.metrics.RecordError("engine", "deserialize")
			return
		}
		handler(msg, bm.Headers, ack)
	}, "")
}

// RequestOption configures a request
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout time.Duration
	headers map[string]string
}

// WithTimeout fails the request with ErrRequestTimeout when no reply arrives in time
func WithTimeout(timeout time.Duration) RequestOption {
	return func(c *requestConfig) {
		c.timeout = timeout
	}
}

// WithRequestHeader sets a header on the request message
func WithRequestHeader(key, value string) RequestOption {
	return func(c *requestConfig) {
		c.headers[key] = value
	}
}

// SendRequest sends request to the endpoint and delivers the reply, deserialized
// as replyType, to onReply at most once. Transport failures reach onReply too.
func (e *Engine) SendRequest(ctx context.Context, ep Endpoint, request any, replyType reflect.Type, onReply func(reply any, err error), opts ...RequestOption) (*RequestHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onReply == nil {
		return nil, fmt.Errorf("%w: reply callback cannot be nil", contracts.ErrInvalidArgument)
	}
	if replyType == nil {
		return nil, fmt.Errorf("%w: reply type cannot be nil", contracts.ErrInvalidArgument)
	}

	cfg := &requestConfig{headers: make(map[string]string)}
	for _, opt := range opts {
		opt(cfg)
	}

	bm, err := e.encode(request, cfg.headers)
	if err != nil {
		return nil, err
	}
	session, destination, err := e.route(ep.TransportID, ep.Destination.Publish)
	if err != nil {
		return nil, err
	}

	handle, err := session.SendRequest(destination, bm, func(reply *contracts.BinaryMessage, err error) {
		if err != nil {
			onReply(nil, err)
			return
		}
		if remote, failed := reply.Header(HeaderError); failed {
			onReply(nil, &RemoteError{Destination: destination, Message: remote})
			return
		}
		v, err := e.serializer.Deserialize(reply.Bytes, replyType)
		onReply(v, err)
	})
	if err != nil {
		return nil, err
	}
	return WithRequestTimeout(e.timeouts, handle, cfg.timeout), nil
}

// RegisterHandler answers requests of requestType arriving at the endpoint
func (e *Engine) RegisterHandler(ep Endpoint, requestType reflect.Type, handler RequestHandler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidArgument)
	}
	byTag, err := e.tags([]reflect.Type{requestType})
	if err != nil {
		return nil, err
	}
	tag := ""
	for k := range byTag {
		tag = k
	}

	session, destination, err := e.route(ep.TransportID, ep.Destination.Subscribe)
	if err != nil {
		return nil, err
	}

	return session.RegisterHandler(destination, func(bm *contracts.BinaryMessage) *contracts.BinaryMessage {
		request, err := e.serializer.Deserialize(bm.Bytes, requestType)
		if err != nil {
			e.metrics.RecordError("engine", "deserialize")
			return errorReply(err)
		}
		response, err := handler(request)
		if err != nil {
			e.logger.Warn("request handler failed",
				"destination", destination,
				"type", bm.Type,
				"error", err)
			return errorReply(err)
		}
		if response == nil {
			return nil
		}
		reply, err := e.encode(response, nil)
		if err != nil {
			e.logger.Error("failed to serialize reply",
				"destination", destination,
				"error", err)
			return errorReply(err)
		}
		return reply
	}, tag)
}

// Close closes every session and transport the engine opened
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := e.sessions
	opened := e.opened
	e.sessions = make(map[string]Session)
	e.transports = make(map[string]Transport)
	e.opened = nil
	e.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	for _, o := range opened {
		if err := o.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.timeouts.Close()
	return errors.Join(errs...)
}

func (e *Engine) route(transportID, logical string) (Session, string, error) {
	destination, err := e.resolver.PhysicalName(transportID, logical)
	if err != nil {
		return nil, "", err
	}
	session, err := e.Session(transportID)
	if err != nil {
		return nil, "", err
	}
	return session, destination, nil
}

func (e *Engine) encode(msg any, headers map[string]string) (*contracts.BinaryMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidArgument)
	}
	tag, err := e.types.TypeName(msg)
	if err != nil {
		return nil, &contracts.ProcessingError{Type: fmt.Sprintf("%T", msg), Reason: "type is not registered", Err: err}
	}
	data, err := e.serializer.Serialize(msg)
	if err != nil {
		return nil, err
	}
	bm := contracts.NewBinaryMessage(tag, data)
	for k, v := range headers {
		bm.SetHeader(k, v)
	}
	return bm, nil
}

func (e *Engine) tags(types []reflect.Type) (map[string]reflect.Type, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: at least one message type is required", contracts.ErrInvalidArgument)
	}
	byTag := make(map[string]reflect.Type, len(types))
	for _, t := range types {
		tag, err := e.types.TypeNameOf(t)
		if err != nil {
			return nil, &contracts.ProcessingError{Type: fmt.Sprint(t), Reason: "type is not registered", Err: err}
		}
		byTag[tag] = t
	}
	return byTag, nil
}

func errorReply(err error) *contracts.BinaryMessage {
	reply := contracts.NewBinaryMessage("", nil)
	reply.SetHeader(HeaderError, err.Error())
	return reply
}

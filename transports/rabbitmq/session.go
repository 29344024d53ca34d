package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/internal/rabbitmq"
	"github.com/glimte/mmate-cqrs/internal/reliability"
	"github.com/glimte/mmate-cqrs/messaging"
)

// TemporaryPrefix marks destinations created by CreateTemporaryDestination
const TemporaryPrefix = "tmp."

// Session is a messaging.Session over one RabbitMQ connection. Every
// destination is a fanout exchange and every subscription owns an exclusive
// queue bound to it.
type Session struct {
	name       string
	transport  *Transport
	config     messaging.SessionConfig
	logger     *slog.Logger
	sequencer  *messaging.Sequencer
	redelivery *messaging.Redeliverer
	breaker    *reliability.CircuitBreaker

	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]struct{}

	mu            sync.Mutex
	subscriptions map[*subscription]struct{}
	temporaries   map[string]struct{}
	closed        bool
	closeOnce     sync.Once
}

type subscription struct {
	session     *Session
	destination string
	messageType string
	callback    messaging.CallbackFunc
	active      atomic.Bool

	mu  sync.Mutex
	ch  *amqp.Channel
	tag string
}

func newSession(t *Transport, cfg messaging.SessionConfig) *Session {
	name := "rabbitmq-" + uuid.NewString()[:8]
	logger := cfg.Logger.With("session", name)

	breakerOpts := append([]reliability.CircuitBreakerOption{
		reliability.WithName(name),
		reliability.WithBreakerLogger(logger),
	}, t.config.BreakerOptions...)

	return &Session{
		name:          name,
		transport:     t,
		config:        cfg,
		logger:        logger,
		sequencer:     messaging.NewSequencer(name, logger),
		redelivery:    messaging.NewRedeliverer(name, cfg),
		breaker:       reliability.NewCircuitBreaker(breakerOpts...),
		declared:      make(map[string]struct{}),
		subscriptions: make(map[*subscription]struct{}),
		temporaries:   make(map[string]struct{}),
	}
}

// CreateTemporaryDestination implements messaging.Session
func (s *Session) CreateTemporaryDestination() (contracts.Destination, error) {
	if s.isClosed() {
		return contracts.Destination{}, s.disposedError()
	}

	name := TemporaryPrefix + uuid.NewString()
	if err := s.withPublishChannel(func(ch *amqp.Channel) error {
		return s.declareLocked(ch, name)
	}); err != nil {
		return contracts.Destination{}, fmt.Errorf("%w: %w", contracts.ErrTransport, err)
	}

	s.mu.Lock()
	s.temporaries[name] = struct{}{}
	s.mu.Unlock()
	return contracts.NewDestination(name), nil
}

// Send implements messaging.Session. Publishes go through a circuit breaker so
// a failing broker is reported without waiting on every send.
func (s *Session) Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error {
	if msg == nil {
		return fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidArgument)
	}
	if s.isClosed() {
		return s.disposedError()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.transport.config.PublishTimeout)
	defer cancel()

	err := s.breaker.Execute(ctx, func() error {
		return s.withPublishChannel(func(ch *amqp.Channel) error {
			if err := s.declareLocked(ch, destination); err != nil {
				return err
			}
			if err := ch.PublishWithContext(ctx, destination, "", false, false, toPublishing(msg, ttl)); err != nil {
				return &rabbitmq.PublishError{Exchange: destination, Err: err}
			}
			return nil
		})
	})
	if err != nil {
		s.config.Metrics.RecordError("rabbitmq", "publish")
		return fmt.Errorf("%w: %w", contracts.ErrTransport, err)
	}
	s.config.Metrics.RecordPublish(destination, msg.Type)
	return nil
}

// Subscribe implements messaging.Session
func (s *Session) Subscribe(destination string, callback messaging.CallbackFunc, messageType string) (messaging.Subscription, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: callback cannot be nil", contracts.ErrInvalidArgument)
	}

	sub := &subscription{
		session:     s,
		destination: destination,
		messageType: messageType,
		callback:    callback,
	}
	sub.active.Store(true)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.disposedError()
	}
	s.subscriptions[sub] = struct{}{}
	s.mu.Unlock()

	if err := sub.start(); err != nil {
		_ = s.unsubscribe(sub)
		return nil, fmt.Errorf("%w: %w", contracts.ErrTransport, err)
	}

	return messaging.SubscriptionFunc(func() error {
		return s.unsubscribe(sub)
	}), nil
}

// SendRequest implements messaging.Session
func (s *Session) SendRequest(destination string, msg *contracts.BinaryMessage, callback messaging.ReplyFunc) (*messaging.RequestHandle, error) {
	return messaging.SendRequestVia(s, s.releaseTemporary, destination, msg, callback, s.logger)
}

// RegisterHandler implements messaging.Session
func (s *Session) RegisterHandler(destination string, handler messaging.HandlerFunc, messageType string) (messaging.Subscription, error) {
	return messaging.RegisterHandlerVia(s, destination, handler, messageType, s.logger)
}

// Close implements messaging.Session
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		subs := make([]*subscription, 0, len(s.subscriptions))
		for sub := range s.subscriptions {
			subs = append(subs, sub)
		}
		s.subscriptions = make(map[*subscription]struct{})
		temporaries := s.temporaries
		s.temporaries = make(map[string]struct{})
		s.mu.Unlock()

		for _, sub := range subs {
			sub.active.Store(false)
			sub.stop()
		}
		s.sequencer.Close()

		for name := range temporaries {
			s.deleteDestination(name)
		}

		s.pubMu.Lock()
		if s.pubCh != nil {
			_ = s.pubCh.Close()
			s.pubCh = nil
		}
		s.pubMu.Unlock()

		s.redelivery.Close()
		s.transport.forget(s)
		s.logger.Debug("session closed")
	})
	return nil
}

// OnConnected restarts consumers after a reconnect
func (s *Session) OnConnected() {
	s.pubMu.Lock()
	s.pubCh = nil
	s.declared = make(map[string]struct{})
	s.pubMu.Unlock()

	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subscriptions))
	for sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if err := sub.start(); err != nil {
			s.logger.Error("failed to restore subscription",
				"destination", sub.destination,
				"error", err)
		}
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (s *Session) OnDisconnected(err error) {
	s.logger.Warn("broker connection lost", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (s *Session) OnReconnecting(attempt int) {
	s.logger.Info("reconnecting to broker", "attempt", attempt)
}

func (s *Session) withPublishChannel(fn func(ch *amqp.Channel) error) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if s.pubCh == nil || s.pubCh.IsClosed() {
		ch, err := s.transport.manager.Channel()
		if err != nil {
			return err
		}
		s.pubCh = ch
		s.declared = make(map[string]struct{})
	}

	err := fn(s.pubCh)
	if err != nil && s.pubCh.IsClosed() {
		s.pubCh = nil
	}
	return err
}

// declareLocked declares the exchange of a destination once per channel. pubMu must be held.
func (s *Session) declareLocked(ch *amqp.Channel, name string) error {
	if _, ok := s.declared[name]; ok {
		return nil
	}
	if err := rabbitmq.DeclareDestination(ch, name, isTemporary(name)); err != nil {
		return err
	}
	s.declared[name] = struct{}{}
	return nil
}

func (s *Session) unsubscribe(sub *subscription) error {
	if !sub.active.Swap(false) {
		return nil
	}
	s.mu.Lock()
	delete(s.subscriptions, sub)
	s.mu.Unlock()
	sub.stop()
	return nil
}

func (s *Session) releaseTemporary(name string) {
	s.mu.Lock()
	_, owned := s.temporaries[name]
	delete(s.temporaries, name)
	s.mu.Unlock()

	if owned {
		s.deleteDestination(name)
	}
}

func (s *Session) deleteDestination(name string) {
	err := s.withPublishChannel(func(ch *amqp.Channel) error {
		delete(s.declared, name)
		return rabbitmq.DeleteDestination(ch, name)
	})
	if err != nil {
		s.logger.Debug("failed to delete temporary destination",
			"destination", name,
			"error", err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) disposedError() error {
	return fmt.Errorf("session %s: %w", s.name, contracts.ErrDisposed)
}

func isTemporary(name string) bool {
	return strings.HasPrefix(name, TemporaryPrefix)
}

// start opens a channel, binds a fresh queue and consumes it
func (sub *subscription) start() error {
	s := sub.session
	ch, err := s.transport.manager.Channel()
	if err != nil {
		return err
	}

	if err := rabbitmq.DeclareDestination(ch, sub.destination, isTemporary(sub.destination)); err != nil {
		_ = ch.Close()
		return err
	}
	queue, err := rabbitmq.DeclareSubscriberQueue(ch, sub.destination)
	if err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(s.transport.config.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}

	tag := s.name + "." + uuid.NewString()[:8]
	deliveries, err := ch.Consume(queue, tag, false, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return &rabbitmq.TopologyError{Component: "queue", Name: queue, Op: "consume", Err: err}
	}

	sub.mu.Lock()
	old := sub.ch
	sub.ch = ch
	sub.tag = tag
	sub.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	go sub.consume(deliveries)
	return nil
}

func (sub *subscription) stop() {
	sub.mu.Lock()
	ch := sub.ch
	tag := sub.tag
	sub.ch = nil
	sub.mu.Unlock()

	if ch != nil {
		_ = ch.Cancel(tag, false)
		_ = ch.Close()
	}
}

func (sub *subscription) consume(deliveries <-chan amqp.Delivery) {
	s := sub.session
	for d := range deliveries {
		d := d
		err := s.sequencer.Post(func() { sub.dispatch(d) })
		if err != nil {
			// session closed; the exclusive queue goes away with the channel
			_ = d.Nack(false, true)
			return
		}
	}
}

func (sub *subscription) dispatch(d amqp.Delivery) {
	s := sub.session
	if !sub.active.Load() {
		_ = d.Nack(false, true)
		return
	}

	msg := fromDelivery(d)
	if sub.messageType != "" && msg.Type != sub.messageType {
		_ = d.Ack(false)
		return
	}

	s.config.Metrics.RecordDelivery(sub.destination, msg.Type)

	var once sync.Once
	ack := func(ok bool) {
		once.Do(func() {
			if ok {
				_ = d.Ack(false)
				return
			}
			sub.redeliver(d, msg)
		})
	}
	sub.callback(msg, ack)
	// a callback that did not acknowledge accepted the message
	ack(true)
}

// redeliver hands a nacked delivery back without blocking the sequencer.
// Without a redelivery policy the broker requeues it; with one the message is
// acknowledged and republished after the policy's delay.
func (sub *subscription) redeliver(d amqp.Delivery, msg *contracts.BinaryMessage) {
	s := sub.session
	if s.config.Redelivery == nil {
		s.config.Metrics.RecordRedelivery(sub.destination, msg.Type)
		go func() { _ = d.Nack(false, true) }()
		return
	}

	_ = d.Ack(false)
	s.redelivery.Schedule(sub.destination, msg, func(next *contracts.BinaryMessage) {
		if err := s.Send(sub.destination, next, 0); err != nil {
			s.logger.Warn("redelivery failed",
				"destination", sub.destination,
				"type", next.Type,
				"error", err)
		}
	})
}

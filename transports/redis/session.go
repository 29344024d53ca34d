package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/internal/reliability"
	"github.com/glimte/mmate-cqrs/messaging"
)

// TemporaryPrefix marks destinations created by CreateTemporaryDestination.
// A temporary is named TemporaryPrefix + session name + "." + uuid, so a session
// recognizes the temporaries it released without remembering them.
const TemporaryPrefix = "tmp."

// Session is a messaging.Session over Redis pub/sub
type Session struct {
	name       string
	transport  *Transport
	config     messaging.SessionConfig
	logger     *slog.Logger
	sequencer  *messaging.Sequencer
	redelivery *messaging.Redeliverer
	breaker    *reliability.CircuitBreaker

	mu            sync.Mutex
	subscriptions map[*subscription]struct{}
	temporaries   map[string]struct{}
	closed        bool
	closeOnce     sync.Once
}

type subscription struct {
	destination string
	messageType string
	callback    messaging.CallbackFunc
	pubsub      *redis.PubSub
	active      atomic.Bool
	done        chan struct{}
}

func newSession(t *Transport, cfg messaging.SessionConfig) *Session {
	name := "redis-" + uuid.NewString()[:8]
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
		subscriptions: make(map[*subscription]struct{}),
		temporaries:   make(map[string]struct{}),
	}
}

// CreateTemporaryDestination implements messaging.Session
func (s *Session) CreateTemporaryDestination() (contracts.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contracts.Destination{}, s.disposedError()
	}
	name := s.temporaryPrefix() + uuid.NewString()
	s.temporaries[name] = struct{}{}
	return contracts.NewDestination(name), nil
}

// Send implements messaging.Session
func (s *Session) Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error {
	if msg == nil {
		return fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidArgument)
	}

	s.mu.Lock()
	closed := s.closed
	removed := s.removedLocked(destination)
	s.mu.Unlock()
	if closed {
		return s.disposedError()
	}
	if removed {
		return fmt.Errorf("destination %s: %w", destination, contracts.ErrDisposed)
	}

	payload, err := encode(msg)
	if err != nil {
		return &contracts.ProcessingError{Type: msg.Type, Reason: "failed to encode envelope", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.transport.config.PublishTimeout)
	defer cancel()

	err = s.breaker.Execute(ctx, func() error {
		return s.transport.client.Publish(ctx, destination, payload).Err()
	})
	if err != nil {
		s.config.Metrics.RecordError("redis", "publish")
		return fmt.Errorf("%w: publish to %s: %w", contracts.ErrTransport, destination, err)
	}
	s.config.Metrics.RecordPublish(destination, msg.Type)
	return nil
}

// Subscribe implements messaging.Session. It returns once the server confirmed
// the subscription.
func (s *Session) Subscribe(destination string, callback messaging.CallbackFunc, messageType string) (messaging.Subscription, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: callback cannot be nil", contracts.ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.disposedError()
	}
	if s.removedLocked(destination) {
		s.mu.Unlock()
		return nil, fmt.Errorf("destination %s: %w", destination, contracts.ErrDisposed)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.transport.config.PublishTimeout)
	defer cancel()

	pubsub := s.transport.client.Subscribe(ctx, destination)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe to %s: %w", contracts.ErrTransport, destination, err)
	}

	sub := &subscription{
		destination: destination,
		messageType: messageType,
		callback:    callback,
		pubsub:      pubsub,
		done:        make(chan struct{}),
	}
	sub.active.Store(true)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pubsub.Close()
		return nil, s.disposedError()
	}
	s.subscriptions[sub] = struct{}{}
	s.mu.Unlock()

	go s.consume(sub)

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
		s.temporaries = make(map[string]struct{})
		s.mu.Unlock()

		for _, sub := range subs {
			sub.active.Store(false)
			_ = sub.pubsub.Close()
		}
		s.sequencer.Close()
		s.redelivery.Close()
		s.transport.forget(s)
		s.logger.Debug("session closed")
	})
	return nil
}

func (s *Session) consume(sub *subscription) {
	defer close(sub.done)

	for m := range sub.pubsub.Channel() {
		msg, err := decode(m.Payload)
		if err != nil {
			s.logger.Warn("dropping undecodable message",
				"destination", sub.destination,
				"error", err)
			s.config.Metrics.RecordError("redis", "decode")
			continue
		}
		if sub.messageType != "" && msg.Type != sub.messageType {
			continue
		}
		if err := s.sequencer.Post(func() { s.dispatch(sub, msg) }); err != nil {
			return
		}
	}
}

func (s *Session) dispatch(sub *subscription, msg *contracts.BinaryMessage) {
	if !sub.active.Load() {
		return
	}
	s.config.Metrics.RecordDelivery(sub.destination, msg.Type)

	var once sync.Once
	sub.callback(msg, func(ok bool) {
		once.Do(func() {
			if ok {
				return
			}
			s.redelivery.Schedule(sub.destination, msg, func(next *contracts.BinaryMessage) {
				if err := s.Send(sub.destination, next, 0); err != nil {
					s.logger.Warn("redelivery failed",
						"destination", sub.destination,
						"type", next.Type,
						"error", err)
				}
			})
		})
	})
}

func (s *Session) unsubscribe(sub *subscription) error {
	if !sub.active.Swap(false) {
		return nil
	}
	s.mu.Lock()
	delete(s.subscriptions, sub)
	s.mu.Unlock()
	return sub.pubsub.Close()
}

func (s *Session) releaseTemporary(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.temporaries[name]; !ok {
		return
	}
	delete(s.temporaries, name)
}

// Temporaries returns the number of live temporary destinations
func (s *Session) Temporaries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.temporaries)
}

func (s *Session) temporaryPrefix() string {
	return TemporaryPrefix + s.name + "."
}

// removedLocked reports whether destination is a temporary of this session that
// was released. s.mu must be held.
func (s *Session) removedLocked(destination string) bool {
	if !strings.HasPrefix(destination, s.temporaryPrefix()) {
		return false
	}
	_, live := s.temporaries[destination]
	return !live
}

func (s *Session) disposedError() error {
	return fmt.Errorf("session %s: %w", s.name, contracts.ErrDisposed)
}

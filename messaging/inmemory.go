package messaging

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-cqrs/contracts"
)

// TemporaryPrefix marks destinations created by CreateTemporaryDestination.
// Names under it are reserved: only live temporaries resolve.
const TemporaryPrefix = "tmp."

// InMemoryTransport is a process-local broker. Topics are created on first use;
// temporary topics are created and removed explicitly and their names are never
// handed out again.
type InMemoryTransport struct {
	logger *slog.Logger

	mu          sync.Mutex
	topics      map[string]*topic
	temporaries map[string]struct{}
	sessions    map[*InMemorySession]struct{}
	closed      bool
	nextSubID   int64
}

type topic struct {
	subscribers map[int64]*subscriber
}

type subscriber struct {
	id          int64
	destination string
	session     *InMemorySession
	messageType string
	callback    CallbackFunc
	active      atomic.Bool
}

// InMemoryOption configures an InMemoryTransport
type InMemoryOption func(*InMemoryTransport)

// WithInMemoryLogger sets the logger
func WithInMemoryLogger(logger *slog.Logger) InMemoryOption {
	return func(t *InMemoryTransport) {
		t.logger = logger
	}
}

// NewInMemoryTransport creates an empty in-memory transport
func NewInMemoryTransport(opts ...InMemoryOption) *InMemoryTransport {
	t := &InMemoryTransport{
		logger:      slog.Default(),
		topics:      make(map[string]*topic),
		temporaries: make(map[string]struct{}),
		sessions:    make(map[*InMemorySession]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreateSession opens a session with its own delivery sequencer
func (t *InMemoryTransport) CreateSession(opts ...SessionOption) (Session, error) {
	return t.NewSession(opts...)
}

// NewSession is CreateSession returning the concrete session
func (t *InMemoryTransport) NewSession(opts ...SessionOption) (*InMemorySession, error) {
	cfg := NewSessionConfig(opts...)
	if cfg.Logger == slog.Default() {
		cfg.Logger = t.logger
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("in-memory transport: %w", contracts.ErrDisposed)
	}

	name := "inmemory-" + uuid.NewString()[:8]
	s := &InMemorySession{
		name:        name,
		transport:   t,
		config:      cfg,
		logger:      cfg.Logger.With("session", name),
		sequencer:   NewSequencer(name, cfg.Logger),
		redelivery:  NewRedeliverer(name, cfg),
		subscribers: make(map[*subscriber]struct{}),
		temporaries: make(map[string]struct{}),
	}
	t.sessions[s] = struct{}{}

	s.logger.Debug("session created")
	return s, nil
}

// Close closes every session opened on the transport
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*InMemorySession, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

// IsRemoved reports whether name is a temporary destination that is no longer live
func (t *InMemoryTransport) IsRemoved(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removedLocked(name)
}

// Topics returns the number of topics currently held
func (t *InMemoryTransport) Topics() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.topics)
}

func (t *InMemoryTransport) removedLocked(name string) bool {
	if !strings.HasPrefix(name, TemporaryPrefix) {
		return false
	}
	_, live := t.temporaries[name]
	return !live
}

func (t *InMemoryTransport) createTemporary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := TemporaryPrefix + uuid.NewString()
	t.temporaries[name] = struct{}{}
	t.topics[name] = &topic{subscribers: make(map[int64]*subscriber)}
	return name
}

func (t *InMemoryTransport) removeTemporary(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.temporaries[name]; !ok {
		return
	}
	delete(t.temporaries, name)
	delete(t.topics, name)
}

// topicLocked returns the topic for name, creating it unless name is under
// TemporaryPrefix. t.mu must be held.
func (t *InMemoryTransport) topicLocked(name string) (*topic, error) {
	if t.removedLocked(name) {
		return nil, fmt.Errorf("destination %s: %w", name, contracts.ErrDisposed)
	}
	tp, ok := t.topics[name]
	if !ok {
		tp = &topic{subscribers: make(map[int64]*subscriber)}
		t.topics[name] = tp
	}
	return tp, nil
}

func (t *InMemoryTransport) publish(destination string, msg *contracts.BinaryMessage) error {
	t.mu.Lock()
	tp, err := t.topicLocked(destination)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	targets := make([]*subscriber, 0, len(tp.subscribers))
	for _, sub := range tp.subscribers {
		targets = append(targets, sub)
	}
	t.mu.Unlock()

	for _, sub := range targets {
		if sub.messageType != "" && sub.messageType != msg.Type {
			continue
		}
		sub.session.deliver(sub, destination, msg.Clone())
	}
	return nil
}

func (t *InMemoryTransport) subscribe(destination string, sub *subscriber) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, err := t.topicLocked(destination)
	if err != nil {
		return err
	}
	t.nextSubID++
	sub.id = t.nextSubID
	tp.subscribers[sub.id] = sub
	return nil
}

func (t *InMemoryTransport) unsubscribe(destination string, sub *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[destination]; ok {
		delete(tp.subscribers, sub.id)
	}
}

func (t *InMemoryTransport) forget(s *InMemorySession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s)
}

// InMemorySession is the reference Session implementation
type InMemorySession struct {
	name       string
	transport  *InMemoryTransport
	config     SessionConfig
	logger     *slog.Logger
	sequencer  *Sequencer
	redelivery *Redeliverer

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	temporaries map[string]struct{}
	closed      bool
	closeOnce   sync.Once
}

// CreateTemporaryDestination implements Session
func (s *InMemorySession) CreateTemporaryDestination() (contracts.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contracts.Destination{}, s.disposedError()
	}
	name := s.transport.createTemporary()
	s.temporaries[name] = struct{}{}
	return contracts.NewDestination(name), nil
}

// Send implements Session. The message is copied; ttl is accepted and ignored.
func (s *InMemorySession) Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error {
	if msg == nil {
		return fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidArgument)
	}
	if s.isClosed() {
		return s.disposedError()
	}
	if err := s.transport.publish(destination, msg); err != nil {
		s.config.Metrics.RecordError("inmemory", "publish")
		return err
	}
	s.config.Metrics.RecordPublish(destination, msg.Type)
	return nil
}

// Subscribe implements Session
func (s *InMemorySession) Subscribe(destination string, callback CallbackFunc, messageType string) (Subscription, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: callback cannot be nil", contracts.ErrInvalidArgument)
	}

	sub := &subscriber{destination: destination, session: s, messageType: messageType, callback: callback}
	sub.active.Store(true)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.disposedError()
	}
	if err := s.transport.subscribe(destination, sub); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return SubscriptionFunc(func() error {
		if !sub.active.Swap(false) {
			return nil
		}
		s.transport.unsubscribe(sub.destination, sub)
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		return nil
	}), nil
}

// SendRequest implements Session. The handle closes itself after the reply was
// delivered. A failed send is reported to callback, not returned.
func (s *InMemorySession) SendRequest(destination string, msg *contracts.BinaryMessage, callback ReplyFunc) (*RequestHandle, error) {
	return SendRequestVia(s, s.releaseTemporary, destination, msg, callback, s.logger)
}

// RegisterHandler implements Session
func (s *InMemorySession) RegisterHandler(destination string, handler HandlerFunc, messageType string) (Subscription, error) {
	return RegisterHandlerVia(s, destination, handler, messageType, s.logger)
}

// Close implements Session. Once it returns no callback of the session is
// running and none will start. It may be called from one of the session's own
// callbacks, in which case it does not wait for that callback.
func (s *InMemorySession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		subs := make([]*subscriber, 0, len(s.subscribers))
		for sub := range s.subscribers {
			subs = append(subs, sub)
		}
		s.subscribers = make(map[*subscriber]struct{})
		temporaries := s.temporaries
		s.temporaries = make(map[string]struct{})
		s.mu.Unlock()

		for _, sub := range subs {
			sub.active.Store(false)
		}
		s.sequencer.Close()

		for _, sub := range subs {
			s.transport.unsubscribe(sub.destination, sub)
		}

		for name := range temporaries {
			s.transport.removeTemporary(name)
		}
		s.redelivery.Close()
		s.transport.forget(s)

		s.logger.Debug("session closed")
	})
	return nil
}

func (s *InMemorySession) deliver(sub *subscriber, destination string, msg *contracts.BinaryMessage) {
	err := s.sequencer.Post(func() {
		if !sub.active.Load() {
			return
		}
		s.config.Metrics.RecordDelivery(destination, msg.Type)
		sub.callback(msg, onceAck(func(ok bool) {
			if ok {
				return
			}
			s.redelivery.Schedule(destination, msg, func(next *contracts.BinaryMessage) {
				if err := s.transport.publish(destination, next); err != nil {
					s.logger.Warn("redelivery failed",
						"destination", destination,
						"type", next.Type,
						"error", err)
				}
			})
		}))
	})
	if err != nil {
		s.logger.Debug("delivery skipped, session closed",
			"destination", destination,
			"type", msg.Type)
	}
}

func (s *InMemorySession) releaseTemporary(name string) {
	s.mu.Lock()
	delete(s.temporaries, name)
	s.mu.Unlock()
	s.transport.removeTemporary(name)
}

func (s *InMemorySession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *InMemorySession) disposedError() error {
	return fmt.Errorf("session %s: %w", s.name, contracts.ErrDisposed)
}

package messaging

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-cqrs/contracts"
)

// Sequencer runs posted functions one at a time, in post order, on a single
// goroutine it owns.
type Sequencer struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	signal  chan struct{}
	stopped chan struct{}
	gid     atomic.Uint64
	running atomic.Bool
}

// NewSequencer creates a sequencer and starts its goroutine
func NewSequencer(name string, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sequencer{
		name:    name,
		logger:  logger,
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	started := make(chan struct{})
	go s.run(started)
	<-started
	return s
}

// Post enqueues fn. It never blocks on running callbacks.
func (s *Sequencer) Post(fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("sequencer %s: %w", s.name, contracts.ErrDisposed)
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	s.notify()
	return nil
}

// InSequence reports whether the caller is a callback running on the sequencer.
//
// Session.Close and RequestHandle.Close are plain methods that callbacks may
// call, so the caller carries no context to mark it. Outside a callback the
// answer is false without looking at the stack; while one runs the caller's
// goroutine id tells the callback apart from a concurrent Close.
func (s *Sequencer) InSequence() bool {
	if !s.running.Load() {
		return false
	}
	return s.gid.Load() == goroutineID()
}

// Drain blocks until everything posted before the call has run. Called from
// the sequencer itself it returns immediately.
func (s *Sequencer) Drain() {
	if s.InSequence() {
		return
	}
	done := make(chan struct{})
	if err := s.Post(func() { close(done) }); err != nil {
		<-s.stopped
		return
	}
	select {
	case <-done:
	case <-s.stopped:
	}
}

// Close stops accepting work, waits for queued work to finish and releases the
// goroutine. Called from a callback it drops the remaining queue instead of
// waiting, and the goroutine exits once that callback returns.
func (s *Sequencer) Close() {
	inSequence := s.InSequence()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if !inSequence {
			<-s.stopped
		}
		return
	}
	s.closed = true
	if inSequence {
		s.queue = nil
	}
	s.mu.Unlock()

	s.notify()
	if !inSequence {
		<-s.stopped
	}
}

// Done is closed once the sequencer goroutine has exited
func (s *Sequencer) Done() <-chan struct{} {
	return s.stopped
}

func (s *Sequencer) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Sequencer) run(started chan<- struct{}) {
	s.gid.Store(goroutineID())
	close(started)
	defer close(s.stopped)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.mu.Unlock()
			<-s.signal
			s.mu.Lock()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.execute(fn)
	}
}

func (s *Sequencer) execute(fn func()) {
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		if r := recover(); r != nil {
			s.logger.Error("callback panicked",
				"sequencer", s.name,
				"panic", r)
		}
	}()
	fn()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id of the calling goroutine from its stack header
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

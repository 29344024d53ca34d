package messaging

import (
	"errors"
	"sync"
	"time"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/scheduling"
)

// ErrRequestTimeout is delivered to a request callback when no reply arrived in time
var ErrRequestTimeout = errors.New("request timeout")

// RequestHandle ties an outbound request to its reply callback. The callback
// fires at most once; after Close it never fires.
type RequestHandle struct {
	callback ReplyFunc
	release  func()

	mu           sync.Mutex
	subscription Subscription
	closed       bool
	fired        bool
	onDone       []func()
	done         chan struct{}
	doneOnce     sync.Once
	closeOnce    sync.Once
}

// NewRequestHandle creates a handle. release frees the reply destination and is
// called once on Close.
func NewRequestHandle(callback ReplyFunc, release func()) *RequestHandle {
	return &RequestHandle{
		callback: callback,
		release:  release,
		done:     make(chan struct{}),
	}
}

// Attach sets the reply subscription closed together with the handle
func (h *RequestHandle) Attach(sub Subscription) {
	h.mu.Lock()
	if !h.closed {
		h.subscription = sub
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	_ = sub.Close()
}

// Complete delivers the reply. It reports whether the callback fired.
func (h *RequestHandle) Complete(reply *contracts.BinaryMessage) bool {
	return h.fire(reply, nil)
}

// Fail delivers err instead of a reply. It reports whether the callback fired.
func (h *RequestHandle) Fail(err error) bool {
	return h.fire(nil, err)
}

func (h *RequestHandle) fire(reply *contracts.BinaryMessage, err error) bool {
	h.mu.Lock()
	if h.closed || h.fired {
		h.mu.Unlock()
		return false
	}
	h.fired = true
	h.mu.Unlock()

	if h.callback != nil {
		h.callback(reply, err)
	}
	h.finish()
	return true
}

// OnDone registers fn to run once the callback fired or the handle closed
func (h *RequestHandle) OnDone(fn func()) {
	h.mu.Lock()
	if h.closed || h.fired {
		h.mu.Unlock()
		fn()
		return
	}
	h.onDone = append(h.onDone, fn)
	h.mu.Unlock()
}

// Done is closed once the callback fired or the handle closed
func (h *RequestHandle) Done() <-chan struct{} {
	return h.done
}

// Close releases the reply subscription and destination. It is idempotent and
// safe to call from inside the reply callback.
func (h *RequestHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		sub := h.subscription
		h.subscription = nil
		h.mu.Unlock()

		if sub != nil {
			err = sub.Close()
		}
		if h.release != nil {
			h.release()
		}
		h.finish()
	})
	return err
}

func (h *RequestHandle) finish() {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		callbacks := h.onDone
		h.onDone = nil
		h.mu.Unlock()

		close(h.done)
		for _, fn := range callbacks {
			fn()
		}
	})
}

// WithRequestTimeout fails and closes handle with ErrRequestTimeout if no reply
// arrives within timeout
func WithRequestTimeout(queue *scheduling.DelayQueue, handle *RequestHandle, timeout time.Duration) *RequestHandle {
	if handle == nil || queue == nil || timeout <= 0 {
		return handle
	}
	cancel := queue.Add(timeout, func() {
		if handle.Fail(ErrRequestTimeout) {
			_ = handle.Close()
		}
	})
	handle.OnDone(func() { cancel() })
	return handle
}

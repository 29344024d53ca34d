package scheduling

import (
	"log/slog"
	"sync"
	"time"
)

type delayedCall struct {
	id int64
	at time.Time
	fn func()
}

// DelayQueue runs functions after a delay. Each function runs on its own
// goroutine so a slow one never holds up the others.
type DelayQueue struct {
	mu     sync.Mutex
	calls  []delayedCall
	nextID int64
	closed bool

	worker *Worker
}

// NewDelayQueue creates and starts a delay queue
func NewDelayQueue(name string, logger *slog.Logger) *DelayQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &DelayQueue{}
	// fire is non-nil so NewWorker cannot fail
	q.worker, _ = NewWorker(name, q.fire, WithWorkerLogger(logger))
	return q
}

// Add schedules fn to run after delay and returns a function that cancels it.
// Cancel reports whether the call was removed before it ran.
func (q *DelayQueue) Add(delay time.Duration, fn func()) (cancel func() bool) {
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return func() bool { return false }
	}
	q.nextID++
	id := q.nextID
	q.calls = append(q.calls, delayedCall{id: id, at: time.Now().Add(delay), fn: fn})
	q.mu.Unlock()

	q.worker.Schedule(delay)

	return func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, c := range q.calls {
			if c.id == id {
				q.calls = append(q.calls[:i], q.calls[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Len returns the number of calls not yet run
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

// Close stops the queue; pending calls are dropped
func (q *DelayQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.calls = nil
	q.mu.Unlock()

	q.worker.Dispose()
}

func (q *DelayQueue) fire() {
	now := time.Now()

	q.mu.Lock()
	var due []func()
	remaining := q.calls[:0]
	for _, c := range q.calls {
		if c.at.After(now) {
			remaining = append(remaining, c)
			continue
		}
		due = append(due, c.fn)
	}
	q.calls = remaining
	q.mu.Unlock()

	for _, fn := range due {
		go fn()
	}
}

package scheduling

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-cqrs/contracts"
)

// Worker runs an action on its own goroutine whenever a scheduled instant comes due.
// All instants that are due when the worker wakes collapse into a single action call.
type Worker struct {
	name   string
	action func()
	logger *slog.Logger

	mu        sync.Mutex
	scheduled []time.Time

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// WorkerOption configures a Worker
type WorkerOption func(*workerConfig)

type workerConfig struct {
	autoStart bool
	logger    *slog.Logger
}

// WithAutoStart controls whether NewWorker starts the loop (default true)
func WithAutoStart(start bool) WorkerOption {
	return func(c *workerConfig) {
		c.autoStart = start
	}
}

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(c *workerConfig) {
		c.logger = logger
	}
}

// NewWorker creates a worker. The action runs on the worker goroutine and must
// not panic; the worker does not recover or retry it.
func NewWorker(name string, action func(), opts ...WorkerOption) (*Worker, error) {
	if action == nil {
		return nil, fmt.Errorf("%w: worker action cannot be nil", contracts.ErrInvalidArgument)
	}

	cfg := &workerConfig{autoStart: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	w := &Worker{
		name:   name,
		action: action,
		logger: cfg.logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.autoStart {
		w.Start()
	}

	return w, nil
}

// Start launches the worker goroutine. Calling it more than once has no effect.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Schedule requests an action run delay from now
func (w *Worker) Schedule(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	next := time.Now().Add(delay)

	w.mu.Lock()
	w.scheduled = append(w.scheduled, next)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of wake-ups not yet due
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.scheduled)
}

// Dispose signals the loop to exit. An action already running is not interrupted.
func (w *Worker) Dispose() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

// Done is closed once the loop has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	var timerC <-chan time.Time

	w.logger.Debug("scheduling worker started", "worker", w.name)

	for {
		select {
		case <-w.stop:
			w.logger.Debug("scheduling worker stopped", "worker", w.name)
			return
		case <-w.wake:
		case <-timerC:
			timerC = nil
		}

		for {
			wait, pending := w.doWorkIfRequired()
			if !pending {
				stopTimer(timer)
				timerC = nil
				break
			}
			if wait > 0 {
				stopTimer(timer)
				timer.Reset(wait)
				timerC = timer.C
				break
			}

			select {
			case <-w.stop:
				w.logger.Debug("scheduling worker stopped", "worker", w.name)
				return
			default:
			}
		}
	}
}

// doWorkIfRequired runs the action if any wake-up is due. It returns the time
// until the earliest remaining wake-up, zero when it should re-check immediately,
// and whether anything is pending at all.
func (w *Worker) doWorkIfRequired() (time.Duration, bool) {
	now := time.Now()

	w.mu.Lock()
	if len(w.scheduled) == 0 {
		w.mu.Unlock()
		return 0, false
	}

	next := w.scheduled[0]
	for _, at := range w.scheduled[1:] {
		if at.Before(next) {
			next = at
		}
	}

	if next.After(now) {
		w.mu.Unlock()
		return next.Sub(now), true
	}

	remaining := w.scheduled[:0]
	for _, at := range w.scheduled {
		if at.After(now) {
			remaining = append(remaining, at)
		}
	}
	w.scheduled = remaining
	w.mu.Unlock()

	w.action()

	return 0, true
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

package cqrs

import (
	"container/heap"
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/glimte/mmate-cqrs/contracts"
)

// QueuedCommand is a received command waiting for a dispatch goroutine
type QueuedCommand struct {
	Command  any
	Type     reflect.Type
	Priority contracts.CommandPriority
	Headers  map[string]string

	seq uint64
}

// CommandQueue orders commands by priority, highest first, and by arrival
// within a priority
type CommandQueue struct {
	mu     sync.Mutex
	items  commandHeap
	seq    uint64
	ready  chan struct{}
	closed bool
}

// NewCommandQueue creates an empty queue
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{ready: make(chan struct{}, 1)}
}

// Push enqueues a command
func (q *CommandQueue) Push(cmd *QueuedCommand) error {
	if cmd == nil {
		return fmt.Errorf("%w: command cannot be nil", contracts.ErrInvalidArgument)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%w: command queue is closed", contracts.ErrDisposed)
	}
	q.seq++
	cmd.seq = q.seq
	heap.Push(&q.items, cmd)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pop blocks until a command is available, the context is done or the queue
// is closed. Closing discards the commands still queued.
func (q *CommandQueue) Pop(ctx context.Context) (*QueuedCommand, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: command queue is closed", contracts.ErrDisposed)
		}
		if q.items.Len() > 0 {
			cmd := heap.Pop(&q.items).(*QueuedCommand)
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return cmd, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len returns the number of queued commands
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close wakes every blocked Pop and rejects further pushes
func (q *CommandQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	close(q.ready)
}

func (q *CommandQueue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

type commandHeap []*QueuedCommand

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) {
	*h = append(*h, x.(*QueuedCommand))
}

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

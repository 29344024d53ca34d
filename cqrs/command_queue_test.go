package cqrs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/contracts"
)

func TestCommandQueueOrdering(t *testing.T) {
	q := NewCommandQueue()
	ctx := context.Background()

	push := func(seq int, p contracts.CommandPriority) {
		require.NoError(t, q.Push(&QueuedCommand{Command: placeOrder{Sequence: seq}, Type: placeOrderType, Priority: p}))
	}
	push(1, contracts.PriorityLow)
	push(2, contracts.PriorityHigh)
	push(3, contracts.PriorityNormal)
	push(4, contracts.PriorityHigh)
	push(5, contracts.PriorityLow)
	assert.Equal(t, 5, q.Len())

	var order []int
	for q.Len() > 0 {
		cmd, err := q.Pop(ctx)
		require.NoError(t, err)
		order = append(order, cmd.Command.(placeOrder).Sequence)
	}
	assert.Equal(t, []int{2, 4, 3, 1, 5}, order)
}

func TestCommandQueuePopBlocks(t *testing.T) {
	q := NewCommandQueue()

	got := make(chan *QueuedCommand, 1)
	go func() {
		cmd, err := q.Pop(context.Background())
		if assert.NoError(t, err) {
			got <- cmd
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned from an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push(&QueuedCommand{Command: cancelOrder{OrderID: "o-1"}, Type: cancelOrderType}))
	select {
	case cmd := <-got:
		assert.Equal(t, cancelOrder{OrderID: "o-1"}, cmd.Command)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestCommandQueueWakesEveryConsumer(t *testing.T) {
	q := NewCommandQueue()
	const consumers = 4

	var wg sync.WaitGroup
	results := make(chan int, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, err := q.Pop(context.Background())
			if err == nil {
				results <- cmd.Command.(placeOrder).Sequence
			}
		}()
	}

	for i := 0; i < consumers; i++ {
		require.NoError(t, q.Push(&QueuedCommand{Command: placeOrder{Sequence: i}, Type: placeOrderType}))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumers were not all served")
	}
	close(results)

	seen := make(map[int]bool)
	for seq := range results {
		seen[seq] = true
	}
	assert.Len(t, seen, consumers)
}

func TestCommandQueueContextAndClose(t *testing.T) {
	t.Run("pop honours context", func(t *testing.T) {
		q := NewCommandQueue()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := q.Pop(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("close releases consumers and rejects pushes", func(t *testing.T) {
		q := NewCommandQueue()
		require.NoError(t, q.Push(&QueuedCommand{Command: placeOrder{}, Type: placeOrderType}))

		errs := make(chan error, 1)
		blocked := NewCommandQueue()
		go func() {
			_, err := blocked.Pop(context.Background())
			errs <- err
		}()
		time.Sleep(10 * time.Millisecond)
		blocked.Close()

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, contracts.ErrDisposed)
		case <-time.After(time.Second):
			t.Fatal("close did not release the consumer")
		}

		q.Close()
		q.Close()
		assert.Equal(t, 0, q.Len())
		assert.ErrorIs(t, q.Push(&QueuedCommand{Command: placeOrder{}, Type: placeOrderType}), contracts.ErrDisposed)
		_, err := q.Pop(context.Background())
		assert.ErrorIs(t, err, contracts.ErrDisposed)
	})

	t.Run("nil command", func(t *testing.T) {
		assert.ErrorIs(t, NewCommandQueue().Push(nil), contracts.ErrInvalidArgument)
	})
}

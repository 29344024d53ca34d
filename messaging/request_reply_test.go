package messaging

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/scheduling"
)

func TestRequestHandle(t *testing.T) {
	t.Run("callback fires at most once", func(t *testing.T) {
		var calls atomic.Int32
		h := NewRequestHandle(func(reply *contracts.BinaryMessage, err error) {
			calls.Add(1)
		}, nil)

		assert.True(t, h.Complete(contracts.NewBinaryMessage("Reply", nil)))
		assert.False(t, h.Complete(contracts.NewBinaryMessage("Reply", nil)))
		assert.False(t, h.Fail(errors.New("late")))
		assert.Equal(t, int32(1), calls.Load())

		select {
		case <-h.Done():
		default:
			t.Fatal("handle not done after reply")
		}
	})

	t.Run("no callback after close", func(t *testing.T) {
		var calls, released atomic.Int32
		h := NewRequestHandle(func(reply *contracts.BinaryMessage, err error) {
			calls.Add(1)
		}, func() { released.Add(1) })

		var closedSub atomic.Bool
		h.Attach(SubscriptionFunc(func() error {
			closedSub.Store(true)
			return nil
		}))

		require.NoError(t, h.Close())
		require.NoError(t, h.Close())

		assert.False(t, h.Complete(contracts.NewBinaryMessage("Reply", nil)))
		assert.Zero(t, calls.Load())
		assert.Equal(t, int32(1), released.Load())
		assert.True(t, closedSub.Load())
	})

	t.Run("attach after close closes the subscription", func(t *testing.T) {
		h := NewRequestHandle(nil, nil)
		require.NoError(t, h.Close())

		var closedSub atomic.Bool
		h.Attach(SubscriptionFunc(func() error {
			closedSub.Store(true)
			return nil
		}))
		assert.True(t, closedSub.Load())
	})

	t.Run("on done runs immediately when already done", func(t *testing.T) {
		h := NewRequestHandle(nil, nil)
		h.Fail(errors.New("failed"))

		ran := false
		h.OnDone(func() { ran = true })
		assert.True(t, ran)
	})
}

func TestWithRequestTimeout(t *testing.T) {
	queue := scheduling.NewDelayQueue("timeouts", nil)
	defer queue.Close()

	t.Run("fails the request when no reply arrives", func(t *testing.T) {
		errs := make(chan error, 1)
		var released atomic.Bool
		h := NewRequestHandle(func(reply *contracts.BinaryMessage, err error) {
			errs <- err
		}, func() { released.Store(true) })

		WithRequestTimeout(queue, h, 20*time.Millisecond)

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrRequestTimeout)
		case <-time.After(time.Second):
			t.Fatal("timeout never fired")
		}
		assert.Eventually(t, released.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("reply cancels the timeout", func(t *testing.T) {
		var calls atomic.Int32
		h := NewRequestHandle(func(reply *contracts.BinaryMessage, err error) {
			calls.Add(1)
			assert.NoError(t, err)
		}, nil)

		WithRequestTimeout(queue, h, 30*time.Millisecond)
		require.True(t, h.Complete(contracts.NewBinaryMessage("Reply", nil)))

		assert.Eventually(t, func() bool { return queue.Len() == 0 }, time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
	})
}

package messaging

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/contracts"
)

func TestSequencer(t *testing.T) {
	t.Run("runs posted functions in order", func(t *testing.T) {
		s := NewSequencer("test", nil)
		defer s.Close()

		var mu sync.Mutex
		var got []int
		for i := 0; i < 100; i++ {
			i := i
			require.NoError(t, s.Post(func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			}))
		}
		s.Drain()

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 100)
		for i, v := range got {
			assert.Equal(t, i, v)
		}
	})

	t.Run("never runs two functions at once", func(t *testing.T) {
		s := NewSequencer("test", nil)
		defer s.Close()

		var running, overlaps atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					_ = s.Post(func() {
						if running.Add(1) > 1 {
							overlaps.Add(1)
						}
						time.Sleep(100 * time.Microsecond)
						running.Add(-1)
					})
				}
			}()
		}
		wg.Wait()
		s.Drain()

		assert.Zero(t, overlaps.Load())
	})

	t.Run("detects its own goroutine", func(t *testing.T) {
		s := NewSequencer("test", nil)
		defer s.Close()

		assert.False(t, s.InSequence())

		inside := make(chan bool, 1)
		require.NoError(t, s.Post(func() { inside <- s.InSequence() }))
		assert.True(t, <-inside)
	})

	t.Run("close from outside waits for the running callback", func(t *testing.T) {
		s := NewSequencer("test", nil)

		entered := make(chan struct{})
		release := make(chan struct{})
		var finished atomic.Bool
		require.NoError(t, s.Post(func() {
			close(entered)
			<-release
			finished.Store(true)
		}))
		<-entered
		assert.False(t, s.InSequence())

		closed := make(chan struct{})
		go func() {
			s.Close()
			close(closed)
		}()

		select {
		case <-closed:
			t.Fatal("close returned while a callback was running")
		case <-time.After(20 * time.Millisecond):
		}
		close(release)

		select {
		case <-closed:
		case <-time.After(time.Second):
			t.Fatal("close did not return")
		}
		assert.True(t, finished.Load())
	})

	t.Run("drain from inside a callback does not block", func(t *testing.T) {
		s := NewSequencer("test", nil)
		defer s.Close()

		done := make(chan struct{})
		require.NoError(t, s.Post(func() {
			s.Drain()
			close(done)
		}))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("drain deadlocked inside the sequencer")
		}
	})

	t.Run("close waits for queued work", func(t *testing.T) {
		s := NewSequencer("test", nil)

		var ran atomic.Int32
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Post(func() {
				time.Sleep(5 * time.Millisecond)
				ran.Add(1)
			}))
		}
		s.Close()

		assert.Equal(t, int32(5), ran.Load())
		assert.ErrorIs(t, s.Post(func() {}), contracts.ErrDisposed)
	})

	t.Run("close from inside a callback does not deadlock", func(t *testing.T) {
		s := NewSequencer("test", nil)

		require.NoError(t, s.Post(func() { s.Close() }))

		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("sequencer did not stop")
		}
		s.Close()
	})

	t.Run("survives a panicking callback", func(t *testing.T) {
		s := NewSequencer("test", nil)
		defer s.Close()

		require.NoError(t, s.Post(func() { panic("boom") }))

		ran := make(chan struct{})
		require.NoError(t, s.Post(func() { close(ran) }))

		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("sequencer stopped after panic")
		}
	})
}

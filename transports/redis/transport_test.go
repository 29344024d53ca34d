package redis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/internal/reliability"
	"github.com/glimte/mmate-cqrs/messaging"
	"github.com/glimte/mmate-cqrs/transport"
)

func TestClientOptions(t *testing.T) {
	t.Run("host and port", func(t *testing.T) {
		info, err := transport.NewTransportInfo("localhost:6379", "app", "secret", transport.WithMessaging(transport.MessagingRedis))
		require.NoError(t, err)

		options, err := ClientOptions(info)
		require.NoError(t, err)
		assert.Equal(t, "localhost:6379", options.Addr)
		assert.Equal(t, "app", options.Username)
		assert.Equal(t, "secret", options.Password)
	})

	t.Run("url keeps database", func(t *testing.T) {
		info, err := transport.NewTransportInfo("redis://cache:6380/2", "app", "secret", transport.WithMessaging(transport.MessagingRedis))
		require.NoError(t, err)

		options, err := ClientOptions(info)
		require.NoError(t, err)
		assert.Equal(t, "cache:6380", options.Addr)
		assert.Equal(t, 2, options.DB)
	})

	t.Run("invalid url", func(t *testing.T) {
		info, err := transport.NewTransportInfo("http://cache:6380", "app", "secret", transport.WithMessaging(transport.MessagingRedis))
		require.NoError(t, err)

		_, err = ClientOptions(info)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})

	t.Run("nil info", func(t *testing.T) {
		_, err := ClientOptions(nil)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})
}

func TestDecodeDefaultsHeaders(t *testing.T) {
	msg, err := decode(`{"type":"PlaceOrder","bytes":"cGF5bG9hZA=="}`)
	require.NoError(t, err)
	assert.Equal(t, "PlaceOrder", msg.Type)
	assert.Equal(t, []byte("payload"), msg.Bytes)
	assert.NotNil(t, msg.Headers)

	_, err = decode("not json")
	assert.Error(t, err)
}

func TestEnvelopeCarriesHeaders(t *testing.T) {
	in := contracts.NewBinaryMessage("Reply", []byte{0x00, 0xff})
	in.SetHeader(contracts.HeaderCorrelationID, "tmp.1")

	payload, err := encode(in)
	require.NoError(t, err)

	out, err := decode(string(payload))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNewTransportFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewTransport(ctx, &redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond},
		WithConnectRetry(reliability.NewFixedDelay(time.Millisecond, 1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrTransport))

	_, err = NewTransport(ctx, nil)
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
}

func TestSessionTemporaries(t *testing.T) {
	tr := &Transport{config: newConfig(), sessions: make(map[*Session]struct{})}
	s := newSession(tr, messaging.NewSessionConfig())
	t.Cleanup(func() { _ = s.Close() })
	other := newSession(tr, messaging.NewSessionConfig())
	t.Cleanup(func() { _ = other.Close() })

	var last contracts.Destination
	for i := 0; i < 1000; i++ {
		dest, err := s.CreateTemporaryDestination()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(dest.Publish, TemporaryPrefix+s.name+"."))
		s.releaseTemporary(dest.Subscribe)
		last = dest
	}
	assert.Zero(t, s.Temporaries())

	err := s.Send(last.Publish, contracts.NewBinaryMessage("Reply", nil), 0)
	assert.ErrorIs(t, err, contracts.ErrDisposed)
	_, err = s.Subscribe(last.Subscribe, func(*contracts.BinaryMessage, messaging.AckFunc) {}, "")
	assert.ErrorIs(t, err, contracts.ErrDisposed)

	// a temporary of another session is an ordinary destination here
	s.mu.Lock()
	assert.False(t, s.removedLocked(TemporaryPrefix+other.name+".x"))
	s.mu.Unlock()
}

package rabbitmq

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/messaging"
)

func newIntegrationSession(t *testing.T) (*Transport, messaging.Session) {
	t.Helper()
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}

	tr, err := NewTransport(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	s, err := tr.CreateSession()
	require.NoError(t, err)
	return tr, s
}

func TestIntegrationPublishSubscribe(t *testing.T) {
	_, s := newIntegrationSession(t)
	destination := "mmate.test." + uuid.NewString()[:8]

	received := make(chan *contracts.BinaryMessage, 1)
	_, err := s.Subscribe(destination, func(msg *contracts.BinaryMessage, ack messaging.AckFunc) {
		received <- msg
		ack(true)
	}, "PlaceOrder")
	require.NoError(t, err)

	msg := contracts.NewBinaryMessage("PlaceOrder", []byte("payload"))
	msg.SetHeader("tenant", "acme")
	require.NoError(t, s.Send(destination, contracts.NewBinaryMessage("Other", nil), 0))
	require.NoError(t, s.Send(destination, msg, time.Minute))

	select {
	case got := <-received:
		assert.Equal(t, "PlaceOrder", got.Type)
		assert.Equal(t, []byte("payload"), got.Bytes)
		v, _ := got.Header("tenant")
		assert.Equal(t, "acme", v)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestIntegrationNackRedelivers(t *testing.T) {
	_, s := newIntegrationSession(t)
	destination := "mmate.test." + uuid.NewString()[:8]

	var deliveries atomic.Int32
	_, err := s.Subscribe(destination, func(msg *contracts.BinaryMessage, ack messaging.AckFunc) {
		ack(deliveries.Add(1) > 1)
	}, "")
	require.NoError(t, err)

	require.NoError(t, s.Send(destination, contracts.NewBinaryMessage("Job", nil), 0))

	assert.Eventually(t, func() bool { return deliveries.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestIntegrationRequestReply(t *testing.T) {
	tr, client := newIntegrationSession(t)
	server, err := tr.CreateSession()
	require.NoError(t, err)
	destination := "mmate.test.rpc." + uuid.NewString()[:8]

	_, err = server.RegisterHandler(destination, func(request *contracts.BinaryMessage) *contracts.BinaryMessage {
		return contracts.NewBinaryMessage("Pong", request.Bytes)
	}, "Ping")
	require.NoError(t, err)

	replies := make(chan *contracts.BinaryMessage, 1)
	handle, err := client.SendRequest(destination, contracts.NewBinaryMessage("Ping", []byte("42")), func(reply *contracts.BinaryMessage, err error) {
		assert.NoError(t, err)
		replies <- reply
	})
	require.NoError(t, err)
	defer handle.Close()

	select {
	case reply := <-replies:
		assert.Equal(t, "Pong", reply.Type)
		assert.Equal(t, []byte("42"), reply.Bytes)
		assert.NotEmpty(t, reply.CorrelationID())
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestIntegrationSessionClose(t *testing.T) {
	_, s := newIntegrationSession(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Send("mmate.test.closed", contracts.NewBinaryMessage("T", nil), 0)
	assert.ErrorIs(t, err, contracts.ErrDisposed)
}

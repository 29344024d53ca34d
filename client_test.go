package mmate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/cqrs"
	"github.com/glimte/mmate-cqrs/interceptors"
	"github.com/glimte/mmate-cqrs/monitor"
	"github.com/glimte/mmate-cqrs/transport"
)

type registerUser struct {
	UserID string `json:"userId"`
}

type userRegistered struct {
	UserID string `json:"userId"`
}

func memoryTransports(t *testing.T) map[string]*transport.TransportInfo {
	t.Helper()
	info, err := transport.NewTransportInfo("memory", "guest", "guest")
	require.NoError(t, err)
	return map[string]*transport.TransportInfo{"main": info}
}

func TestClientEndToEnd(t *testing.T) {
	ctx := context.Background()

	users := cqrs.NewBoundedContextRegistration("Users", cqrs.WithThreadCount(1))
	require.NoError(t, users.SubscribeCommands(cqrs.Types(registerUser{}), "users.in", contracts.PriorityNormal))
	require.NoError(t, users.AddEventsRoute(cqrs.Types(userRegistered{}), "users.out"))

	audit := cqrs.NewBoundedContextRegistration("Audit")
	require.NoError(t, audit.SubscribeEvents(cqrs.Types(userRegistered{}), "users.out"))

	metrics := monitor.NewSimpleMetricsCollector()
	client, err := NewClient(memoryTransports(t),
		WithMessageType("RegisterUser", registerUser{}),
		WithMessageType("UserRegistered", userRegistered{}),
		WithMetrics(metrics),
		WithCqrsOptions(
			cqrs.WithDefaultTransport("main"),
			cqrs.WithRegistrations(users, audit),
			cqrs.WithInterceptorChain(interceptors.NewDefaultInterceptorChainBuilder(nil).
				WithMetrics(metrics).
				Build())))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, cqrs.HandleCommand(client.CQRS(), "Users", func(ctx context.Context, cmd registerUser) error {
		return client.PublishEvent(ctx, userRegistered{UserID: cmd.UserID}, "Users")
	}))
	audited := make(chan userRegistered, 1)
	require.NoError(t, cqrs.HandleEvent(client.CQRS(), "Audit", func(ctx context.Context, evt userRegistered) error {
		audited <- evt
		return nil
	}))

	require.NoError(t, client.Start(ctx))
	require.NoError(t, client.SendCommand(ctx, registerUser{UserID: "u-1"}, "Users", contracts.PriorityHigh))

	select {
	case evt := <-audited:
		assert.Equal(t, userRegistered{UserID: "u-1"}, evt)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	assert.Eventually(t, func() bool {
		return len(metrics.GetMetricsSummary().Handled) == 2
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, metrics.GetMetricsSummary().Published)
	assert.True(t, client.Types().IsRegistered("RegisterUser"))
	assert.Equal(t, []string{"main"}, client.Resolver().Transports())
}

func TestClientConfiguration(t *testing.T) {
	t.Run("nil transports", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})

	t.Run("jail strategy shadowing a builtin", func(t *testing.T) {
		_, err := NewClient(memoryTransports(t), WithJailStrategies(map[string]transport.JailStrategy{
			transport.JailNone: transport.NoJail,
		}))
		require.Error(t, err)
		assert.True(t, contracts.IsConfigConflict(err))
	})

	t.Run("custom jail strategy", func(t *testing.T) {
		info, err := transport.NewTransportInfo("memory", "guest", "guest", transport.WithJailStrategy("Tenant"))
		require.NoError(t, err)

		client, err := NewClient(map[string]*transport.TransportInfo{"main": info},
			WithJailStrategies(map[string]transport.JailStrategy{"Tenant": transport.SuffixJail("acme")}))
		require.NoError(t, err)
		defer client.Close()

		name, err := client.Resolver().PhysicalName("main", "orders")
		require.NoError(t, err)
		assert.Equal(t, "orders.acme", name)
	})

	t.Run("close twice", func(t *testing.T) {
		client, err := NewClient(memoryTransports(t))
		require.NoError(t, err)
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())
	})
}

func TestNewClientFromEnv(t *testing.T) {
	t.Setenv("MMATE_MAIN_BROKER", "memory")
	t.Setenv("MMATE_MAIN_LOGIN", "guest")
	t.Setenv("MMATE_MAIN_PASSWORD", "guest")

	client, err := NewClientFromEnv("MMATE_", []string{"main"})
	require.NoError(t, err)
	defer client.Close()

	info, ok := client.Resolver().GetTransport("main")
	require.True(t, ok)
	assert.Equal(t, transport.MessagingInMemory, info.Messaging)

	_, err = NewClientFromEnv("MMATE_", []string{"missing"})
	assert.Error(t, err)
}

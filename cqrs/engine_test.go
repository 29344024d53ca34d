package cqrs

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/interceptors"
	"github.com/glimte/mmate-cqrs/messaging"
	"github.com/glimte/mmate-cqrs/serialization"
	"github.com/glimte/mmate-cqrs/transport"
)

type countingProjection struct {
	mu       sync.Mutex
	events   []any
	received chan struct{}
}

func newCountingProjection() *countingProjection {
	return &countingProjection{received: make(chan struct{}, 16)}
}

func (p *countingProjection) Handle(ctx context.Context, event any) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	p.received <- struct{}{}
	return nil
}

func (p *countingProjection) Events() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.events...)
}

func newMessagingEngine(t *testing.T, opts ...messaging.EngineOption) *messaging.Engine {
	t.Helper()

	info, err := transport.NewTransportInfo("memory", "guest", "guest")
	require.NoError(t, err)
	resolver, err := transport.NewResolver(map[string]*transport.TransportInfo{"main": info})
	require.NoError(t, err)

	types := serialization.NewTypeRegistry()
	require.NoError(t, types.Register("PlaceOrder", placeOrder{}))
	require.NoError(t, types.Register("CancelOrder", cancelOrder{}))
	require.NoError(t, types.Register("OrderPlaced", orderPlaced{}))
	require.NoError(t, types.Register("PaymentReceived", paymentReceived{}))

	manager := serialization.NewManager(serialization.WithFactories(
		serialization.NewJSONSerializerFactory(serialization.WithTypeRegistry(types)),
	))

	engine, err := messaging.NewEngine(resolver, manager, types, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func newCqrsEngine(t *testing.T, opts ...Option) *CqrsEngine {
	t.Helper()
	opts = append([]Option{WithDefaultTransport("main")}, opts...)
	engine, err := NewEngine(newMessagingEngine(t), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestEngineCommandToProjection(t *testing.T) {
	ctx := context.Background()

	orders := ordersRegistration(t)

	billing := NewBoundedContextRegistration("Billing")
	require.NoError(t, billing.SubscribeEvents(Types(orderPlaced{}), "orders.out"))

	projection := newCountingProjection()
	reporting := NewBoundedContextRegistration("Reporting")
	require.NoError(t, reporting.RegisterProjection(projection, "Orders"))

	engine := newCqrsEngine(t, WithRegistrations(reporting, billing, orders))

	require.NoError(t, HandleCommand(engine, "Orders", func(ctx context.Context, cmd placeOrder) error {
		return engine.PublishEvent(ctx, orderPlaced{OrderID: cmd.OrderID}, "Orders")
	}))

	billed := make(chan orderPlaced, 1)
	require.NoError(t, HandleEvent(engine, "Billing", func(ctx context.Context, evt orderPlaced) error {
		billed <- evt
		return nil
	}))

	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.SendCommand(ctx, placeOrder{OrderID: "o-1"}, "Orders", contracts.PriorityNormal))

	assert.Equal(t, orderPlaced{OrderID: "o-1"}, waitFor(t, billed))
	waitFor(t, projection.received)
	assert.Equal(t, []any{orderPlaced{OrderID: "o-1"}}, projection.Events())
}

func TestEngineDispatchesByPriority(t *testing.T) {
	ctx := context.Background()

	r := NewBoundedContextRegistration("Orders", WithThreadCount(1))
	require.NoError(t, r.SubscribeCommands(Types(placeOrder{}), "orders.in", contracts.PriorityLow))
	engine := newCqrsEngine(t, WithRegistrations(r))

	busy := make(chan struct{})
	release := make(chan struct{})
	handled := make(chan int, 8)
	require.NoError(t, HandleCommand(engine, "Orders", func(ctx context.Context, cmd placeOrder) error {
		if cmd.Sequence == 0 {
			close(busy)
			<-release
		}
		handled <- cmd.Sequence
		return nil
	}))
	require.NoError(t, engine.Start(ctx))

	require.NoError(t, engine.SendCommand(ctx, placeOrder{Sequence: 0}, "Orders", contracts.PriorityLow))
	waitFor(t, busy)
	bc, ok := engine.BoundedContext("Orders")
	require.True(t, ok)

	require.NoError(t, engine.SendCommand(ctx, placeOrder{Sequence: 1}, "Orders", contracts.PriorityLow))
	require.NoError(t, engine.SendCommand(ctx, placeOrder{Sequence: 2}, "Orders", contracts.PriorityHigh))
	require.NoError(t, engine.SendCommand(ctx, placeOrder{Sequence: 3}, "Orders", contracts.PriorityNormal))
	require.Eventually(t, func() bool { return bc.PendingCommands() == 3 }, time.Second, time.Millisecond)

	close(release)
	var order []int
	for i := 0; i < 4; i++ {
		order = append(order, waitFor(t, handled))
	}
	assert.Equal(t, []int{0, 2, 3, 1}, order)
}

func TestEngineHandlerFailureRetried(t *testing.T) {
	ctx := context.Background()

	r := NewBoundedContextRegistration("Orders")
	require.NoError(t, r.SubscribeCommands(Types(cancelOrder{}), "orders.in", contracts.PriorityNormal))

	chain := interceptors.NewDefaultInterceptorChainBuilder(nil).
		WithRetry(interceptors.FixedRetry(time.Millisecond, 2)).
		Build()
	engine := newCqrsEngine(t, WithRegistrations(r), WithInterceptorChain(chain))

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, HandleCommand(engine, "Orders", func(ctx context.Context, cmd cancelOrder) error {
		if attempts.Add(1) < 3 {
			return errors.New("temporarily unavailable")
		}
		close(done)
		return nil
	}))
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.SendCommand(ctx, cancelOrder{OrderID: "o-9"}, "Orders", contracts.PriorityNormal))

	waitFor(t, done)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestEngineResolvesProjectionDependency(t *testing.T) {
	ctx := context.Background()

	projection := newCountingProjection()
	reporting := NewBoundedContextRegistration("Reporting")
	require.NoError(t, reporting.RegisterProjectionType(reflect.TypeOf(projection), "Orders"))

	engine := newCqrsEngine(t,
		WithRegistrations(reporting, ordersRegistration(t)),
		WithDependencies(projection))
	require.NoError(t, engine.Start(ctx))

	require.NoError(t, engine.PublishEvent(ctx, orderPlaced{OrderID: "o-2"}, "Orders"))
	waitFor(t, projection.received)
	assert.Equal(t, []any{orderPlaced{OrderID: "o-2"}}, projection.Events())
}

func TestEngineDependencyResolver(t *testing.T) {
	projection := newCountingProjection()
	engine := newCqrsEngine(t, WithDependencyResolver(func(reflect.Type) (any, error) {
		return projection, nil
	}))

	v, err := engine.ResolveDependency(reflect.TypeOf(projection))
	require.NoError(t, err)
	assert.Same(t, projection, v)

	bare, err := NewEngine(newMessagingEngine(t), nil)
	require.NoError(t, err)
	_, err = bare.ResolveDependency(reflect.TypeOf(projection))
	assert.ErrorIs(t, err, contracts.ErrProcessing)

	require.NoError(t, bare.RegisterDependency(projection))
	assert.ErrorIs(t, bare.RegisterDependency(projection), contracts.ErrConfigConflict)
	assert.ErrorIs(t, bare.RegisterDependency(nil), contracts.ErrInvalidArgument)
}

func TestEngineLifecycleErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("send before start", func(t *testing.T) {
		engine := newCqrsEngine(t, WithRegistrations(ordersRegistration(t)))
		err := engine.SendCommand(ctx, placeOrder{}, "Orders", contracts.PriorityNormal)
		assert.ErrorIs(t, err, contracts.ErrInvalidOperation)
	})

	t.Run("start twice", func(t *testing.T) {
		engine := newCqrsEngine(t, WithRegistrations(ordersRegistration(t)))
		require.NoError(t, engine.Start(ctx))
		assert.ErrorIs(t, engine.Start(ctx), contracts.ErrInvalidOperation)
	})

	t.Run("after close", func(t *testing.T) {
		engine := newCqrsEngine(t, WithRegistrations(ordersRegistration(t)))
		require.NoError(t, engine.Start(ctx))
		require.NoError(t, engine.Close())
		require.NoError(t, engine.Close())

		assert.ErrorIs(t, engine.SendCommand(ctx, placeOrder{}, "Orders", contracts.PriorityNormal), contracts.ErrDisposed)
		assert.ErrorIs(t, engine.Start(ctx), contracts.ErrDisposed)
	})

	t.Run("unknown context or type", func(t *testing.T) {
		engine := newCqrsEngine(t, WithRegistrations(ordersRegistration(t)))
		require.NoError(t, engine.Start(ctx))

		assert.ErrorIs(t, engine.SendCommand(ctx, placeOrder{}, "Shipping", contracts.PriorityNormal), contracts.ErrProcessing)
		assert.ErrorIs(t, engine.SendCommand(ctx, cancelOrder{}, "Orders", contracts.PriorityNormal), contracts.ErrProcessing)
		assert.ErrorIs(t, engine.PublishEvent(ctx, paymentReceived{}, "Orders"), contracts.ErrProcessing)
		assert.ErrorIs(t, engine.SendCommand(ctx, nil, "Orders", contracts.PriorityNormal), contracts.ErrInvalidArgument)
	})

	t.Run("endpoint missing from directory", func(t *testing.T) {
		engine, err := NewEngine(newMessagingEngine(t), map[string]messaging.Endpoint{
			"orders.in": messaging.NewEndpoint("main", "orders.in"),
		}, WithRegistrations(ordersRegistration(t)))
		require.NoError(t, err)
		t.Cleanup(func() { _ = engine.Close() })

		err = engine.Start(ctx)
		require.Error(t, err)
		assert.True(t, contracts.IsConfigConflict(err))
		assert.Contains(t, err.Error(), "orders.out")
	})

	t.Run("nil messaging engine", func(t *testing.T) {
		_, err := NewEngine(nil, nil)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})
}

func TestEngineStartRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("after a transport failure", func(t *testing.T) {
		var attempts atomic.Int32
		flaky := func(info *transport.TransportInfo, logger *slog.Logger) (messaging.Transport, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("broker unreachable")
			}
			return messaging.NewInMemoryTransport(messaging.WithInMemoryLogger(logger)), nil
		}
		msg := newMessagingEngine(t, messaging.WithTransportFactory(transport.MessagingInMemory, flaky))

		projection := newCountingProjection()
		reporting := NewBoundedContextRegistration("Reporting")
		require.NoError(t, reporting.RegisterProjectionType(reflect.TypeOf(projection), "Orders"))

		engine, err := NewEngine(msg, nil,
			WithDefaultTransport("main"),
			WithRegistrations(reporting, ordersRegistration(t)),
			WithDependencies(projection))
		require.NoError(t, err)
		t.Cleanup(func() { _ = engine.Close() })

		handled := make(chan placeOrder, 1)
		require.NoError(t, HandleCommand(engine, "Orders", func(ctx context.Context, cmd placeOrder) error {
			handled <- cmd
			return nil
		}))

		err = engine.Start(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrTransport)
		assert.Empty(t, engine.BoundedContexts())
		assert.ErrorIs(t, engine.SendCommand(ctx, placeOrder{}, "Orders", contracts.PriorityNormal), contracts.ErrInvalidOperation)

		require.NoError(t, engine.Start(ctx))
		assert.Len(t, engine.BoundedContexts(), 2)

		require.NoError(t, engine.SendCommand(ctx, placeOrder{OrderID: "o-3"}, "Orders", contracts.PriorityNormal))
		assert.Equal(t, placeOrder{OrderID: "o-3"}, waitFor(t, handled))

		require.NoError(t, engine.PublishEvent(ctx, orderPlaced{OrderID: "o-3"}, "Orders"))
		waitFor(t, projection.received)
	})

	t.Run("after a configuration error", func(t *testing.T) {
		engine, err := NewEngine(newMessagingEngine(t), map[string]messaging.Endpoint{
			"orders.in": messaging.NewEndpoint("main", "orders.in"),
		}, WithRegistrations(ordersRegistration(t)))
		require.NoError(t, err)
		t.Cleanup(func() { _ = engine.Close() })

		for i := 0; i < 2; i++ {
			err = engine.Start(ctx)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "orders.out")
			assert.Empty(t, engine.BoundedContexts())
		}
	})
}

func TestEngineHandlerRegistration(t *testing.T) {
	engine := newCqrsEngine(t)

	noop := func(ctx context.Context, cmd any) error { return nil }
	require.NoError(t, engine.RegisterCommandHandler("Orders", placeOrderType, noop))
	assert.ErrorIs(t, engine.RegisterCommandHandler("Orders", placeOrderType, noop), contracts.ErrConfigConflict)
	require.NoError(t, engine.RegisterCommandHandler("Billing", placeOrderType, noop))
	assert.ErrorIs(t, engine.RegisterCommandHandler("", placeOrderType, noop), contracts.ErrInvalidArgument)

	require.NoError(t, engine.RegisterEventHandler("Billing", orderPlacedType, noop))
	require.NoError(t, engine.RegisterEventHandler("Billing", orderPlacedType, noop))
	assert.ErrorIs(t, HandleEvent[orderPlaced](engine, "Billing", nil), contracts.ErrInvalidArgument)
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/cqrs"
	"github.com/glimte/mmate-cqrs/messaging"
	"github.com/glimte/mmate-cqrs/serialization"
	"github.com/glimte/mmate-cqrs/transport"
)

type mockOpener struct {
	mock.Mock
}

func (m *mockOpener) Session(transportID string) (messaging.Session, error) {
	args := m.Called(transportID)
	if s := args.Get(0); s != nil {
		return s.(messaging.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func static(name string, status Status) Checker {
	return NewComponentChecker(name, func(ctx context.Context) (Status, string, map[string]any, error) {
		return status, string(status), nil, nil
	})
}

func newMessagingEngine(t *testing.T) *messaging.Engine {
	t.Helper()
	info, err := transport.NewTransportInfo("memory", "guest", "guest")
	require.NoError(t, err)
	resolver, err := transport.NewResolver(map[string]*transport.TransportInfo{"main": info})
	require.NoError(t, err)
	types := serialization.NewTypeRegistry()
	engine, err := messaging.NewEngine(resolver, serialization.NewManager(), types)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestRegistryAggregatesWorstStatus(t *testing.T) {
	r := NewRegistry()
	r.SetMetadata("service", "orders")
	r.Register(static("a", StatusHealthy))
	assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)

	r.Register(static("b", StatusDegraded))
	assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

	r.Register(static("c", StatusUnhealthy))
	report := r.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Len(t, report.Checks, 3)
	assert.Equal(t, "orders", report.Metadata["service"])

	r.Unregister("c")
	assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(NewComponentChecker("slow", func(ctx context.Context) (Status, string, map[string]any, error) {
		time.Sleep(200 * time.Millisecond)
		return StatusHealthy, "", nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	report := r.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "Check timed out", report.Checks["slow"].Message)
}

func TestTransportChecker(t *testing.T) {
	t.Run("in-memory transport is reachable", func(t *testing.T) {
		result := NewTransportChecker("main", newMessagingEngine(t)).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "transport:main", result.Name)
		assert.NotEmpty(t, result.Details["temporaryDestination"])
	})

	t.Run("unknown transport", func(t *testing.T) {
		result := NewTransportChecker("missing", newMessagingEngine(t)).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("session failure", func(t *testing.T) {
		opener := &mockOpener{}
		opener.On("Session", "main").Return(nil, contracts.ErrTransport)

		result := NewTransportChecker("main", opener).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, contracts.ErrTransport.Error(), result.Error)
		opener.AssertExpectations(t)
	})
}

func TestCommandBacklogChecker(t *testing.T) {
	orders := cqrs.NewBoundedContextRegistration("Orders")
	engine, err := cqrs.NewEngine(newMessagingEngine(t), nil, cqrs.WithRegistrations(orders))
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })

	result := NewCommandBacklogChecker(engine, 10, 100).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 0, result.Details["Orders"])

	result = NewCommandBacklogChecker(engine, -1, 100).Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(100000, 200000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
}

func TestComponentCheckerError(t *testing.T) {
	c := NewComponentChecker("db", func(ctx context.Context) (Status, string, map[string]any, error) {
		return StatusUnhealthy, "down", map[string]any{"attempts": 3}, errors.New("refused")
	})
	result := c.Check(context.Background())
	assert.Equal(t, "refused", result.Error)
	assert.Equal(t, 3, result.Details["attempts"])
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(static("a", StatusHealthy))
	h := NewHandler(r, time.Second)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report OverallHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)

	r.Register(static("b", StatusUnhealthy))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/infrastructure/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testEvent implements DomainEvent for testing
type testEvent struct {
	shared.BaseDomainEvent
}

func newTestEvent(eventType string) *testEvent {
	return &testEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, "QuotaCounter", uuid.New(), uuid.New()),
	}
}

// testHandler records what it handles
type testHandler struct {
	eventTypes []string
	mu         sync.Mutex
	handled    []shared.DomainEvent
	err        error
	panics     bool
}

func newTestHandler(eventTypes ...string) *testHandler {
	return &testHandler{eventTypes: eventTypes}
}

func (h *testHandler) Handle(_ context.Context, event shared.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, event)
	if h.panics {
		panic("boom")
	}
	return h.err
}

func (h *testHandler) EventTypes() []string { return h.eventTypes }

func (h *testHandler) setError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *testHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func TestInMemoryEventBus_Publish(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler("AlertRaised")
	bus.Subscribe(handler)

	event := newTestEvent("AlertRaised")
	require.NoError(t, bus.Publish(context.Background(), event, newTestEvent("AlertRaised")))

	assert.Equal(t, 2, handler.count())
	assert.Equal(t, event, handler.handled[0])
	assert.Equal(t, BusStats{Delivered: 2}, bus.Stats())
}

func TestInMemoryEventBus_Publish_Routing(t *testing.T) {
	bus := NewInMemoryEventBus(nil)
	alerts := newTestHandler("AlertRaised")
	periods := newTestHandler("BillingPeriodOpened", "BillingPeriodClosed")
	everything := newTestHandler()
	bus.Subscribe(alerts)
	bus.Subscribe(periods)
	bus.Subscribe(everything)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, newTestEvent("AlertRaised")))
	require.NoError(t, bus.Publish(ctx, newTestEvent("BillingPeriodClosed")))
	require.NoError(t, bus.Publish(ctx, newTestEvent("Unrelated")))

	assert.Equal(t, 1, alerts.count())
	assert.Equal(t, 1, periods.count())
	assert.Equal(t, 3, everything.count())
}

func TestInMemoryEventBus_Publish_ExplicitTypesOverrideHandler(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler("AlertRaised")
	bus.Subscribe(handler, "BillingPeriodOpened")

	require.NoError(t, bus.Publish(context.Background(), newTestEvent("AlertRaised")))
	require.NoError(t, bus.Publish(context.Background(), newTestEvent("BillingPeriodOpened")))

	assert.Equal(t, 1, handler.count())
}

func TestInMemoryEventBus_Publish_FailuresAreIsolated(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	failing := newTestHandler("AlertRaised")
	failing.setError(errors.New("smtp down"))
	panicking := newTestHandler("AlertRaised")
	panicking.panics = true
	healthy := newTestHandler("AlertRaised")
	bus.Subscribe(failing)
	bus.Subscribe(panicking)
	bus.Subscribe(healthy)

	err := bus.Publish(context.Background(), newTestEvent("AlertRaised"))

	require.NoError(t, err)
	assert.Equal(t, 1, healthy.count())
	assert.Equal(t, BusStats{Delivered: 1, Failed: 2}, bus.Stats())
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler("AlertRaised")
	bus.Subscribe(handler)
	_ = bus.Publish(context.Background(), newTestEvent("AlertRaised"))

	bus.Unsubscribe(handler)
	_ = bus.Publish(context.Background(), newTestEvent("AlertRaised"))

	assert.Equal(t, 1, handler.count())
}

func TestInMemoryEventBus_StartStop(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler("AlertRaised")
	bus.Subscribe(handler)

	require.NoError(t, bus.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(ctx))

	require.NoError(t, bus.Publish(context.Background(), newTestEvent("AlertRaised")))
	assert.Equal(t, 1, handler.count(), "publishing after stop still delivers")
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	a := newTestHandler()
	b := newTestHandler()

	r.Register(a, "AlertRaised", "BillingPeriodOpened")
	r.Register(a, "AlertRaised")
	r.Register(b)

	assert.Equal(t, []shared.EventHandler{a, b}, r.GetHandlers("AlertRaised"))
	assert.Equal(t, []shared.EventHandler{b}, r.GetHandlers("Other"))
	assert.Equal(t, 2, r.Len())

	r.Unregister(a)
	assert.Equal(t, []shared.EventHandler{b}, r.GetHandlers("AlertRaised"))
	assert.Equal(t, 1, r.Len())

	r.Unregister(b)
	assert.Empty(t, r.GetHandlers("AlertRaised"))
}

func TestIdempotentHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("redelivered event is handled once", func(t *testing.T) {
		store := cache.NewInMemoryIdempotencyStore()
		defer store.Close()
		inner := newTestHandler("AlertRaised")
		h := NewIdempotentHandler(inner, store, zap.NewNop())

		event := newTestEvent("AlertRaised")
		require.NoError(t, h.Handle(ctx, event))
		require.NoError(t, h.Handle(ctx, event))
		require.NoError(t, h.Handle(ctx, newTestEvent("AlertRaised")))

		assert.Equal(t, 2, inner.count())
		assert.Equal(t, []string{"AlertRaised"}, h.EventTypes())
	})

	t.Run("failure releases the key", func(t *testing.T) {
		store := cache.NewInMemoryIdempotencyStore()
		defer store.Close()
		inner := newTestHandler("AlertRaised")
		inner.setError(errors.New("temporary"))
		h := NewIdempotentHandler(inner, store, zap.NewNop())

		event := newTestEvent("AlertRaised")
		assert.Error(t, h.Handle(ctx, event))

		inner.setError(nil)
		require.NoError(t, h.Handle(ctx, event))
		assert.Equal(t, 2, inner.count())
	})

	t.Run("disabled passes through", func(t *testing.T) {
		store := cache.NewInMemoryIdempotencyStore()
		defer store.Close()
		inner := newTestHandler("AlertRaised")
		h := NewIdempotentHandler(inner, store, zap.NewNop(),
			WithIdempotencyConfig(shared.IdempotencyConfig{Enabled: false}))

		event := newTestEvent("AlertRaised")
		require.NoError(t, h.Handle(ctx, event))
		require.NoError(t, h.Handle(ctx, event))
		assert.Equal(t, 2, inner.count())
	})

	t.Run("key func collapses distinct events", func(t *testing.T) {
		store := cache.NewInMemoryIdempotencyStore()
		defer store.Close()
		inner := newTestHandler("AlertRaised")
		h := NewIdempotentHandler(inner, store, zap.NewNop(),
			WithKeyFunc(func(e shared.DomainEvent) string { return "type:" + e.EventType() }))

		require.NoError(t, h.Handle(ctx, newTestEvent("AlertRaised")))
		require.NoError(t, h.Handle(ctx, newTestEvent("AlertRaised")))
		assert.Equal(t, 1, inner.count())
	})

	t.Run("store failure still handles", func(t *testing.T) {
		inner := newTestHandler("AlertRaised")
		h := NewIdempotentHandler(inner, failingStore{}, zap.NewNop())

		require.NoError(t, h.Handle(ctx, newTestEvent("AlertRaised")))
		assert.Equal(t, 1, inner.count())
	})
}

type failingStore struct{}

func (failingStore) MarkProcessed(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (failingStore) Unmark(context.Context, string) error { return nil }

func (failingStore) IsProcessed(context.Context, string) (bool, error) { return false, nil }

func (failingStore) Close() error { return nil }

package event

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lexmeter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// InMemoryEventBus delivers events to in-process handlers synchronously, in
// publish order. A failing or panicking handler is logged and does not stop
// delivery to the others.
type InMemoryEventBus struct {
	registry *HandlerRegistry
	logger   *zap.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

// BusStats is a snapshot of delivery counters
type BusStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventBus{
		registry: NewHandlerRegistry(),
		logger:   logger,
	}
}

// Publish hands each event to its handlers. It never returns a handler error.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	for _, event := range events {
		for _, handler := range b.registry.GetHandlers(event.EventType()) {
			if err := b.dispatch(ctx, handler, event); err != nil {
				b.failed.Add(1)
				b.logger.Error("event handler failed",
					zap.String("event_type", event.EventType()),
					zap.String("event_id", event.EventID().String()),
					zap.String("user_id", event.UserID().String()),
					zap.Error(err))
				continue
			}
			b.delivered.Add(1)
		}
	}
	return nil
}

// Subscribe registers handler for eventTypes, defaulting to handler.EventTypes()
func (b *InMemoryEventBus) Subscribe(handler shared.EventHandler, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = handler.EventTypes()
	}
	b.registry.Register(handler, eventTypes...)
	b.logger.Debug("event handler subscribed", zap.Strings("event_types", eventTypes))
}

// Unsubscribe removes a handler
func (b *InMemoryEventBus) Unsubscribe(handler shared.EventHandler) {
	b.registry.Unregister(handler)
}

// Start is a no-op; delivery is synchronous
func (b *InMemoryEventBus) Start(_ context.Context) error {
	b.logger.Info("event bus started", zap.Int("handlers", b.registry.Len()))
	return nil
}

// Stop logs the delivery counters. Publish keeps working so in-flight
// requests can finish during shutdown.
func (b *InMemoryEventBus) Stop(_ context.Context) error {
	stats := b.Stats()
	b.logger.Info("event bus stopped",
		zap.Int64("delivered", stats.Delivered),
		zap.Int64("failed", stats.Failed))
	return nil
}

// Stats returns the delivery counters
func (b *InMemoryEventBus) Stats() BusStats {
	return BusStats{Delivered: b.delivered.Load(), Failed: b.failed.Load()}
}

func (b *InMemoryEventBus) dispatch(ctx context.Context, handler shared.EventHandler, event shared.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, event)
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)

package event

import (
	"context"

	"github.com/lexmeter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// KeyFunc derives the deduplication key of an event
type KeyFunc func(shared.DomainEvent) string

// ByEventID deduplicates redeliveries of the same event
func ByEventID(e shared.DomainEvent) string {
	return "event:" + e.EventID().String()
}

// IdempotentHandler runs the wrapped handler once per key. The key is claimed
// before the handler runs and released if it fails, so a redelivery retries.
// When the store is unreachable the handler runs anyway: a duplicate
// notification is preferable to a lost one.
type IdempotentHandler struct {
	next   shared.EventHandler
	store  shared.IdempotencyStore
	config shared.IdempotencyConfig
	key    KeyFunc
	logger *zap.Logger
}

type IdempotentHandlerOption func(*IdempotentHandler)

func WithIdempotencyConfig(config shared.IdempotencyConfig) IdempotentHandlerOption {
	return func(h *IdempotentHandler) { h.config = config }
}

// WithKeyFunc replaces ByEventID, e.g. to collapse distinct events that
// describe the same fact.
func WithKeyFunc(fn KeyFunc) IdempotentHandlerOption {
	return func(h *IdempotentHandler) { h.key = fn }
}

func NewIdempotentHandler(next shared.EventHandler, store shared.IdempotencyStore, logger *zap.Logger, opts ...IdempotentHandlerOption) *IdempotentHandler {
	h := &IdempotentHandler{
		next:   next,
		store:  store,
		config: shared.DefaultIdempotencyConfig(),
		key:    ByEventID,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *IdempotentHandler) EventTypes() []string {
	return h.next.EventTypes()
}

func (h *IdempotentHandler) Handle(ctx context.Context, e shared.DomainEvent) error {
	if !h.config.Enabled {
		return h.next.Handle(ctx, e)
	}

	key := h.key(e)
	log := h.logger.With(zap.String("event_id", e.EventID().String()), zap.String("event_type", e.EventType()))

	claimed, err := h.store.MarkProcessed(ctx, key, h.config.TTL)
	if err != nil {
		log.Warn("Idempotency store unavailable, handling without deduplication", zap.Error(err))
	} else if !claimed {
		log.Debug("Duplicate event skipped", zap.String("key", key))
		return nil
	}

	if err := h.next.Handle(ctx, e); err != nil {
		if rerr := h.store.Unmark(ctx, key); rerr != nil {
			log.Warn("Failed to release event key", zap.Error(rerr))
		}
		return err
	}
	return nil
}

var _ shared.EventHandler = (*IdempotentHandler)(nil)

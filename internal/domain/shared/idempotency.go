package shared

import (
	"context"
	"time"
)

// IdempotencyStore claims keys so a retried consume or event delivery is
// applied once. The claim is a reservation: a caller that fails after
// claiming releases the key so the retry can proceed.
type IdempotencyStore interface {
	// MarkProcessed claims key for ttl and reports whether this call claimed it
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unmark(ctx context.Context, key string) error
	IsProcessed(ctx context.Context, key string) (bool, error)
	Close() error
}

// IdempotencyConfig controls key claiming for event handlers
type IdempotencyConfig struct {
	TTL     time.Duration
	Enabled bool
}

// DefaultIdempotencyConfig remembers keys for a day, longer than any
// redelivery window of the event bus.
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{TTL: 24 * time.Hour, Enabled: true}
}

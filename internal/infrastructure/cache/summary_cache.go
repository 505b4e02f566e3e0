package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const summaryKeyPrefix = "meter:summary:"

// RedisSummaryCache implements SummaryCache on Redis with JSON values
type RedisSummaryCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSummaryCache creates a cache on a shared client
func NewRedisSummaryCache(client *redis.Client, logger *zap.Logger) *RedisSummaryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSummaryCache{client: client, logger: logger}
}

func summaryKey(userID uuid.UUID) string {
	return summaryKeyPrefix + userID.String()
}

// Get returns the cached summary. The bool is false on a miss.
func (c *RedisSummaryCache) Get(ctx context.Context, userID uuid.UUID) (*appbilling.UsageSummary, bool, error) {
	key := summaryKey(userID)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get usage summary from cache: %w", err)
	}

	var summary appbilling.UsageSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		c.logger.Warn("dropping corrupt usage summary",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		_ = c.client.Del(ctx, key)
		return nil, false, nil
	}
	return &summary, true, nil
}

// Set stores the summary for ttl
func (c *RedisSummaryCache) Set(ctx context.Context, summary *appbilling.UsageSummary, ttl time.Duration) error {
	if summary == nil {
		return nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal usage summary: %w", err)
	}
	if err := c.client.Set(ctx, summaryKey(summary.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set usage summary in cache: %w", err)
	}
	return nil
}

// Invalidate removes the user's summary
func (c *RedisSummaryCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Del(ctx, summaryKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate usage summary: %w", err)
	}
	return nil
}

var _ appbilling.SummaryCache = (*RedisSummaryCache)(nil)

type summaryEntry struct {
	summary   appbilling.UsageSummary
	expiresAt time.Time
}

// InMemorySummaryCache implements SummaryCache in process memory.
// Expired entries are dropped on read.
type InMemorySummaryCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]summaryEntry
	now     func() time.Time
}

// NewInMemorySummaryCache creates an empty cache
func NewInMemorySummaryCache() *InMemorySummaryCache {
	return &InMemorySummaryCache{
		entries: make(map[uuid.UUID]summaryEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached summary
func (c *InMemorySummaryCache) Get(_ context.Context, userID uuid.UUID) (*appbilling.UsageSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, userID)
		return nil, false, nil
	}
	summary := e.summary
	return &summary, true, nil
}

// Set stores a copy of the summary for ttl
func (c *InMemorySummaryCache) Set(_ context.Context, summary *appbilling.UsageSummary, ttl time.Duration) error {
	if summary == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[summary.UserID] = summaryEntry{summary: *summary, expiresAt: c.now().Add(ttl)}
	return nil
}

// Invalidate removes the user's summary
func (c *InMemorySummaryCache) Invalidate(_ context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

var _ appbilling.SummaryCache = (*InMemorySummaryCache)(nil)

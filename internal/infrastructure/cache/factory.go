package cache

import (
	"fmt"

	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory builds the idempotency store and summary cache. With Redis enabled
// both share one client; otherwise both are in-memory.
type Factory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool

	client *redis.Client
}

// FactoryOption is a functional option for configuring the factory
type FactoryOption func(*Factory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether an unreachable Redis falls back to
// in-memory stores. Defaults to true.
func WithInMemoryFallback(allow bool) FactoryOption {
	return func(f *Factory) {
		f.allowInMemoryFallback = allow
	}
}

// WithClient uses an existing client instead of dialing one
func WithClient(client *redis.Client) FactoryOption {
	return func(f *Factory) {
		f.client = client
	}
}

// NewFactory creates a new Factory
func NewFactory(cfg config.RedisConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Stores is what the factory built
type Stores struct {
	Idempotency shared.IdempotencyStore
	Summaries   appbilling.SummaryCache
	// Client is nil when the stores are in-memory
	Client *redis.Client
}

// Close releases the stores and the client
func (s *Stores) Close() error {
	err := s.Idempotency.Close()
	if s.Client != nil {
		if cerr := s.Client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Build connects to Redis when enabled and returns the stores
func (f *Factory) Build() (*Stores, error) {
	if !f.redisConfig.Enabled && f.client == nil {
		f.logger.Info("redis disabled, using in-memory idempotency store and summary cache")
		return f.inMemory(), nil
	}

	client := f.client
	if client == nil {
		var err error
		client, err = NewRedisClient(f.redisConfig)
		if err != nil {
			if !f.allowInMemoryFallback {
				return nil, fmt.Errorf("redis required but unavailable: %w", err)
			}
			f.logger.Warn("redis unavailable, falling back to in-memory stores; "+
				"idempotency keys will not be shared between instances",
				zap.Error(err))
			return f.inMemory(), nil
		}
	}

	f.logger.Info("using redis idempotency store and summary cache",
		zap.String("addr", f.redisConfig.Addr()))
	return &Stores{
		Idempotency: NewRedisIdempotencyStore(client, ""),
		Summaries:   NewRedisSummaryCache(client, f.logger),
		Client:      client,
	}, nil
}

func (f *Factory) inMemory() *Stores {
	return &Stores{
		Idempotency: NewInMemoryIdempotencyStore(),
		Summaries:   NewInMemorySummaryCache(),
	}
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lexmeter/backend/internal/infrastructure/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database pairs the GORM handle used by the repositories with its pool.
type Database struct {
	DB  *gorm.DB
	sql *sql.DB
}

// Option adjusts the GORM configuration before the connection is opened.
type Option func(*gorm.Config)

// WithLogger routes GORM statement logging through l. Without it GORM is silent.
func WithLogger(l logger.Interface) Option {
	return func(c *gorm.Config) {
		c.Logger = l
	}
}

// NewDatabase opens the PostgreSQL pool described by cfg and pings it.
// Driver errors are translated so repositories can match gorm.ErrDuplicatedKey.
func NewDatabase(cfg *config.DatabaseConfig, opts ...Option) (*Database, error) {
	gormCfg := &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
	for _, opt := range opts {
		opt(gormCfg)
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d, err := wrapDatabase(gdb)
	if err != nil {
		return nil, err
	}

	d.sql.SetMaxOpenConns(cfg.MaxOpenConns)
	d.sql.SetMaxIdleConns(cfg.MaxIdleConns)
	d.sql.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	d.sql.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := d.sql.Ping(); err != nil {
		_ = d.sql.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return d, nil
}

func wrapDatabase(gdb *gorm.DB) (*Database, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}
	return &Database{DB: gdb, sql: sqlDB}, nil
}

// SQL exposes the pool for tools that need database/sql, such as the migrator.
func (d *Database) SQL() *sql.DB {
	return d.sql
}

// Ping backs the readiness check.
func (d *Database) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

func (d *Database) Stats() sql.DBStats {
	return d.sql.Stats()
}

func (d *Database) Close() error {
	return d.sql.Close()
}

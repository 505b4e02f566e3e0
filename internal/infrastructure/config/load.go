package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaults registers every key, which is also what lets AutomaticEnv
// override keys that have no value in the file.
var defaults = map[string]any{
	"app.name": "metering-backend",
	"app.env":  "development",
	"app.port": "8080",

	"database.host":                 "localhost",
	"database.port":                 5432,
	"database.user":                 "postgres",
	"database.password":             "",
	"database.dbname":               "metering",
	"database.sslmode":              "disable",
	"database.max_open_conns":       25,
	"database.max_idle_conns":       5,
	"database.conn_max_lifetime":    time.Hour,
	"database.conn_max_idle_time":   30 * time.Minute,
	"database.auto_migrate":         false,
	"database.slow_query_threshold": 200 * time.Millisecond,

	"redis.enabled":  false,
	"redis.host":     "localhost",
	"redis.port":     6379,
	"redis.password": "",
	"redis.db":       0,

	"jwt.secret":                  "",
	"jwt.issuer":                  "lexmeter-accounts",
	"jwt.access_token_expiration": 15 * time.Minute,

	"log.level":  "info",
	"log.format": "console",
	"log.output": "stdout",

	"http.read_timeout":     15 * time.Second,
	"http.write_timeout":    15 * time.Second,
	"http.idle_timeout":     time.Minute,
	"http.max_header_bytes": 1 << 20,
	"http.max_body_size":    int64(1 << 20),
	// No origin is allowed until one is configured
	"http.cors_allow_origins": []string{},
	"http.cors_allow_methods": []string{"GET", "POST", "PUT", "OPTIONS"},
	"http.cors_allow_headers": []string{"Content-Type", "Authorization", "X-Request-ID", "Idempotency-Key"},
	"http.trusted_proxies":    []string{},
	"http.rate_limit":         0,
	"http.rate_limit_window":  time.Minute,

	"scheduler.enabled":             false,
	"scheduler.rollover_cron":       "0 2 * * *",
	"scheduler.job_timeout":         30 * time.Minute,
	"scheduler.rollover_batch_size": 200,
	"scheduler.run_on_startup":      false,

	"telemetry.enabled":            false,
	"telemetry.collector_endpoint": "localhost:4317",
	"telemetry.service_name":       "metering-backend",
	"telemetry.insecure":           false,
	"telemetry.export_interval":    time.Minute,

	"stripe.secret_key":       "",
	"stripe.webhook_secret":   "",
	"stripe.default_currency": "usd",
	"stripe.test_mode":        false,

	"storage.enabled":            false,
	"storage.endpoint":           "",
	"storage.region":             "us-east-1",
	"storage.bucket":             "",
	"storage.access_key_id":      "",
	"storage.secret_access_key":  "",
	"storage.use_path_style":     false,
	"storage.presign_expiration": 15 * time.Minute,

	"metering.idempotency_ttl":   24 * time.Hour,
	"metering.summary_cache_ttl": 30 * time.Second,
	"metering.ledger_batch_size": 500,
	"metering.dev_user_header":   false,
}

// Load reads config.toml from the working directory or /app, then applies
// METER_ environment overrides (METER_DATABASE_PASSWORD sets
// database.password). A missing file is fine; a malformed one is not.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("METER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	db := c.Database
	switch {
	case db.MaxOpenConns <= 0:
		return errors.New("database.max_open_conns must be positive")
	case db.MaxIdleConns < 0:
		return errors.New("database.max_idle_conns cannot be negative")
	case db.MaxIdleConns > db.MaxOpenConns:
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			db.MaxIdleConns, db.MaxOpenConns)
	case c.Metering.LedgerBatchSize <= 0:
		return errors.New("metering.ledger_batch_size must be positive")
	case c.Storage.Enabled && c.Storage.Bucket == "":
		return errors.New("storage.bucket is required when storage is enabled")
	case c.Stripe.Enabled() &&
		!strings.HasPrefix(c.Stripe.SecretKey, "sk_test_") &&
		!strings.HasPrefix(c.Stripe.SecretKey, "sk_live_"):
		return errors.New("stripe.secret_key must start with sk_test_ or sk_live_")
	}

	if c.App.IsProduction() {
		return c.validateProduction()
	}
	return nil
}

// validateProduction refuses settings that are only safe on a laptop
func (c *Config) validateProduction() error {
	switch {
	case c.JWT.Secret == "":
		return errors.New("jwt.secret is required in production")
	case len(c.JWT.Secret) < 32:
		return errors.New("jwt.secret must be at least 32 characters in production")
	case c.Database.Password == "":
		return errors.New("database.password is required in production")
	case c.Database.SSLMode == "disable":
		return errors.New("database.sslmode cannot be 'disable' in production")
	case c.Metering.DevUserHeader:
		return errors.New("metering.dev_user_header must be false in production")
	case slices.Contains(c.HTTP.CORSAllowOrigins, "*"):
		return errors.New("http.cors_allow_origins cannot be '*' in production")
	case c.Stripe.Enabled() && c.Stripe.IsTestMode:
		return errors.New("stripe.test_mode must be false in production")
	}
	return nil
}

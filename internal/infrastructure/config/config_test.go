package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearMeterEnv blanks every variable the tests touch; viper treats empty as unset
func clearMeterEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"METER_APP_NAME", "METER_APP_ENV", "METER_APP_PORT",
		"METER_DATABASE_HOST", "METER_DATABASE_PORT", "METER_DATABASE_PASSWORD",
		"METER_DATABASE_SSLMODE", "METER_DATABASE_MAX_OPEN_CONNS", "METER_DATABASE_MAX_IDLE_CONNS",
		"METER_JWT_SECRET", "METER_SCHEDULER_ROLLOVER_CRON", "METER_STRIPE_SECRET_KEY",
		"METER_STRIPE_TEST_MODE", "METER_STORAGE_ENABLED", "METER_STORAGE_BUCKET",
		"METER_METERING_DEV_USER_HEADER", "METER_METERING_LEDGER_BATCH_SIZE",
		"METER_METERING_IDEMPOTENCY_TTL", "METER_DATABASE_SLOW_QUERY_THRESHOLD",
		"METER_HTTP_CORS_ALLOW_ORIGINS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		clearMeterEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "metering-backend", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "8080", cfg.App.Port)
		assert.Equal(t, "localhost", cfg.Database.Host)
		assert.Equal(t, 5432, cfg.Database.Port)
		assert.Equal(t, "metering", cfg.Database.DBName)
		assert.Equal(t, 25, cfg.Database.MaxOpenConns)
		assert.Equal(t, time.Hour, cfg.Database.ConnMaxLifetime)
		assert.Equal(t, []string{"GET", "POST", "PUT", "OPTIONS"}, cfg.HTTP.CORSAllowMethods)
		assert.Empty(t, cfg.HTTP.CORSAllowOrigins)
		assert.Equal(t, 200*time.Millisecond, cfg.Database.SlowQueryThreshold)
		assert.Equal(t, time.Minute, cfg.HTTP.RateLimitWindow)
		assert.Equal(t, "0 2 * * *", cfg.Scheduler.RolloverCron)
		assert.Equal(t, 24*time.Hour, cfg.Metering.IdempotencyTTL)
		assert.Equal(t, 500, cfg.Metering.LedgerBatchSize)
		assert.Equal(t, "usd", cfg.Stripe.DefaultCurrency)
		assert.False(t, cfg.Stripe.Enabled())
	})

	t.Run("loads values from environment variables with METER prefix", func(t *testing.T) {
		clearMeterEnv(t)
		t.Setenv("METER_APP_PORT", "9000")
		t.Setenv("METER_DATABASE_HOST", "db.internal")
		t.Setenv("METER_DATABASE_PORT", "5433")
		t.Setenv("METER_SCHEDULER_ROLLOVER_CRON", "*/5 * * * *")
		t.Setenv("METER_METERING_IDEMPOTENCY_TTL", "1h")
		t.Setenv("METER_DATABASE_SLOW_QUERY_THRESHOLD", "50ms")
		t.Setenv("METER_STRIPE_SECRET_KEY", "sk_test_abc")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "9000", cfg.App.Port)
		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, 5433, cfg.Database.Port)
		assert.Equal(t, "*/5 * * * *", cfg.Scheduler.RolloverCron)
		assert.Equal(t, time.Hour, cfg.Metering.IdempotencyTTL)
		assert.Equal(t, 50*time.Millisecond, cfg.Database.SlowQueryThreshold)
		assert.True(t, cfg.Stripe.Enabled())
	})

	t.Run("validates MaxIdleConns cannot exceed MaxOpenConns", func(t *testing.T) {
		clearMeterEnv(t)
		t.Setenv("METER_DATABASE_MAX_OPEN_CONNS", "10")
		t.Setenv("METER_DATABASE_MAX_IDLE_CONNS", "20")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot exceed")
	})

	t.Run("rejects malformed stripe key", func(t *testing.T) {
		clearMeterEnv(t)
		t.Setenv("METER_STRIPE_SECRET_KEY", "pk_test_abc")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stripe.secret_key")
	})

	t.Run("storage requires bucket", func(t *testing.T) {
		clearMeterEnv(t)
		t.Setenv("METER_STORAGE_ENABLED", "true")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.bucket")
	})
}

func TestLoad_ConfigFile(t *testing.T) {
	clearMeterEnv(t)
	dir := t.TempDir()
	toml := `
[app]
port = "7000"

[database]
host = "pg.local"
conn_max_lifetime = "10m"

[stripe.customer_ids]
"0b6f1c2e-1111-4a4a-9c9c-123456789abc" = "cus_123"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(toml), 0o600))
	t.Chdir(dir)

	t.Setenv("METER_DATABASE_HOST", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.App.Port)
	assert.Equal(t, "from-env", cfg.Database.Host, "environment wins over the file")
	assert.Equal(t, 10*time.Minute, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, "cus_123", cfg.Stripe.CustomerIDs["0b6f1c2e-1111-4a4a-9c9c-123456789abc"])
}

func TestLoad_MalformedConfigFile(t *testing.T) {
	clearMeterEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[app\nport ="), 0o600))
	t.Chdir(dir)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_ProductionValidation(t *testing.T) {
	setValidProductionBase := func(t *testing.T) {
		clearMeterEnv(t)
		t.Setenv("METER_APP_ENV", "production")
		t.Setenv("METER_JWT_SECRET", "this-is-a-very-secure-jwt-secret-key-32chars")
		t.Setenv("METER_DATABASE_PASSWORD", "secure-password")
		t.Setenv("METER_DATABASE_SSLMODE", "require")
	}

	t.Run("valid production config", func(t *testing.T) {
		setValidProductionBase(t)
		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.App.IsProduction())
	})

	t.Run("requires jwt.secret in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("METER_JWT_SECRET", "")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt.secret is required in production")
	})

	t.Run("requires long jwt.secret in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("METER_JWT_SECRET", "short-secret")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 characters")
	})

	t.Run("rejects sslmode disable in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("METER_DATABASE_SSLMODE", "disable")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sslmode")
	})

	t.Run("rejects dev user header in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("METER_METERING_DEV_USER_HEADER", "true")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dev_user_header")
	})

	t.Run("rejects wildcard cors in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("METER_HTTP_CORS_ALLOW_ORIGINS", "*")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cors_allow_origins")
	})

	t.Run("rejects stripe test mode in production", func(t *testing.T) {
		setValidProductionBase(t)
		t.Setenv("METER_STRIPE_SECRET_KEY", "sk_live_abc")
		t.Setenv("METER_STRIPE_TEST_MODE", "true")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stripe.test_mode")
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "meter", Password: "p@ss/word", DBName: "metering", SSLMode: "require"}
	assert.Equal(t, "postgres://meter:p%40ss%2Fword@db:5432/metering?sslmode=require", d.DSN())
}

func TestRedisConfig_Addr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}

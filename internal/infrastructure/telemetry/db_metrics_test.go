package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func metricNames(rm metricdata.ResourceMetrics) map[string]metricdata.Metrics {
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestDBMetrics_RecordQuery(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	ctx := context.Background()

	m, err := NewDBMetrics(provider.Meter("test"), nil, DBMetricsConfig{Enabled: true}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, m.config.SlowQueryThreshold)

	m.RecordQuery(ctx, "select", "quota_counters", 10*time.Millisecond)
	m.RecordQuery(ctx, "", "", time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	metrics := metricNames(rm)

	total := metrics["db_query_total"].Data.(metricdata.Sum[int64])
	ops := map[string]int64{}
	for _, dp := range total.DataPoints {
		op, _ := dp.Attributes.Value(AttrDBOperation)
		ops[op.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"SELECT": 1, "UNKNOWN": 1}, ops)

	slow := metrics["db_slow_query_total"].Data.(metricdata.Sum[int64])
	require.Len(t, slow.DataPoints, 1)
	table, _ := slow.DataPoints[0].Attributes.Value(AttrDBTable)
	assert.Equal(t, "unknown", table.AsString())
}

func TestDBMetrics_NilMeter(t *testing.T) {
	_, err := NewDBMetrics(nil, nil, DefaultDBMetricsConfig(), nil)
	assert.ErrorIs(t, err, ErrMeterNil)
}

type meteredRow struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestDBMetricsPlugin_WithSQLite(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&meteredRow{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)

	m, err := NewDBMetrics(provider.Meter("test"), sqlDB, DefaultDBMetricsConfig(), zap.NewNop())
	require.NoError(t, err)
	defer m.Stop()
	require.NoError(t, db.Use(NewDBMetricsPlugin(m)))

	require.NoError(t, db.Create(&meteredRow{Name: "a"}).Error)
	var rows []meteredRow
	require.NoError(t, db.Find(&rows).Error)
	require.NoError(t, db.Exec("UPDATE metered_rows SET name = ?", "b").Error)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	metrics := metricNames(rm)

	total := metrics["db_query_total"].Data.(metricdata.Sum[int64])
	ops := map[string]int64{}
	for _, dp := range total.DataPoints {
		op, _ := dp.Attributes.Value(AttrDBOperation)
		ops[op.AsString()] += dp.Value
	}
	assert.Equal(t, int64(1), ops["INSERT"])
	assert.Equal(t, int64(1), ops["SELECT"])
	assert.Equal(t, int64(1), ops["UPDATE"])

	pool, ok := metrics["db_pool_connections"]
	require.True(t, ok, "pool gauge observed on collect")
	gauge := pool.Data.(metricdata.Gauge[int64])
	assert.Len(t, gauge.DataPoints, 3)

	m.Stop()
	m.Stop()
}

func TestDetectOperationType(t *testing.T) {
	assert.Equal(t, "SELECT", detectOperationType("  select * from usage_events"))
	assert.Equal(t, "UPDATE", detectOperationType("UPDATE quota_counters SET used = used + 1"))
	assert.Equal(t, "OTHER", detectOperationType("WITH x AS (SELECT 1) SELECT * FROM x"))
}

func TestRegisterDBMetrics_Disabled(t *testing.T) {
	m, err := RegisterDBMetrics(nil, nil, DBMetricsConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, m)
}

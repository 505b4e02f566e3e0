package telemetry

import (
	"context"
	"errors"
	"strconv"
	"time"

	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/lexmeter/backend/internal/domain/billing"
	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when a metrics constructor gets no meter.
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

var _ appbilling.Metrics = (*MeteringMetrics)(nil)

// MeteringMetrics records gate decisions, consumption, alerts and billing.
type MeteringMetrics struct {
	decisions        *Counter
	usage            *Counter
	alerts           *Counter
	overageCents     *Counter
	rolloverFailures *Counter
	closeDuration    *Histogram
}

// NewMeteringMetrics creates the metering instruments on meter.
func NewMeteringMetrics(meter metric.Meter) (*MeteringMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	m := &MeteringMetrics{}
	var err error

	m.decisions, err = NewCounter(meter,
		"meter_gate_decisions_total",
		"Enforcement gate decisions by outcome",
		"{decision}",
	)
	if err != nil {
		return nil, err
	}

	m.usage, err = NewCounter(meter,
		"meter_usage_quantity_total",
		"Consumed quantity by resource type, in the resource's unit",
		"{unit}",
	)
	if err != nil {
		return nil, err
	}

	m.alerts, err = NewCounter(meter,
		"meter_quota_alerts_total",
		"Quota threshold alerts raised",
		"{alert}",
	)
	if err != nil {
		return nil, err
	}

	m.overageCents, err = NewCounter(meter,
		"meter_overage_amount_cents_total",
		"Overage billed at period close, in cents",
		"{cent}",
	)
	if err != nil {
		return nil, err
	}

	m.rolloverFailures, err = NewCounter(meter,
		"meter_rollover_failures_total",
		"Periods the rollover sweep could not finish, by stage",
		"{failure}",
	)
	if err != nil {
		return nil, err
	}

	m.closeDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "meter_close_period_duration_seconds",
		Description: "Time to close a billing period and build its invoice",
		Unit:        "s",
		Boundaries:  CloseDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *MeteringMetrics) RecordDecision(ctx context.Context, rt billing.ResourceType, outcome billing.Outcome) {
	m.decisions.Inc(ctx,
		AttrResourceType.String(string(rt)),
		AttrOutcome.String(string(outcome)),
	)
}

func (m *MeteringMetrics) RecordUsage(ctx context.Context, rt billing.ResourceType, quantity int64) {
	if quantity <= 0 {
		return
	}
	m.usage.Add(ctx, quantity, AttrResourceType.String(string(rt)))
}

func (m *MeteringMetrics) RecordAlert(ctx context.Context, rt billing.ResourceType, threshold billing.AlertThreshold) {
	m.alerts.Inc(ctx,
		AttrResourceType.String(string(rt)),
		AttrThreshold.String(strconv.Itoa(int(threshold))),
	)
}

// RecordOverage counts billed cents. Zero-amount invoices are not counted.
func (m *MeteringMetrics) RecordOverage(ctx context.Context, tierID billing.TierID, cents int64) {
	if cents <= 0 {
		return
	}
	m.overageCents.Add(ctx, cents, AttrTier.String(string(tierID)))
}

func (m *MeteringMetrics) RecordClosePeriod(ctx context.Context, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.closeDuration.RecordDuration(ctx, duration, AttrResult.String(result))
}

func (m *MeteringMetrics) RecordRolloverFailure(ctx context.Context, stage string) {
	m.rolloverFailures.Inc(ctx, AttrStage.String(stage))
}

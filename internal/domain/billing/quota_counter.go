package billing

import (
	"math/bits"
	"time"

	"github.com/google/uuid"
)

// AlertThreshold is a percentage of a hard quota that triggers a one-time alert
type AlertThreshold int

const (
	AlertThreshold80  AlertThreshold = 80
	AlertThreshold95  AlertThreshold = 95
	AlertThreshold100 AlertThreshold = 100
)

// AlertThresholds returns the thresholds in ascending order
func AlertThresholds() []AlertThreshold {
	return []AlertThreshold{AlertThreshold80, AlertThreshold95, AlertThreshold100}
}

// QuotaCounter is the running consumption of one resource by one user in one
// billing period. Limit and Policy are copied from the tier when the period
// opens, so a later catalog change never alters an open period.
type QuotaCounter struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	PeriodID     uuid.UUID
	ResourceType ResourceType
	Used         int64
	Limit        Limit
	Policy       CapPolicy
	Overage      int64
	Alerted80    bool
	Alerted95    bool
	Alerted100   bool
	UpdatedAt    time.Time
}

// NewQuotaCounter creates a zeroed counter with the tier's limit for the resource
func NewQuotaCounter(period *BillingPeriod, tier TierDefinition, rt ResourceType) *QuotaCounter {
	return &QuotaCounter{
		ID:           uuid.New(),
		UserID:       period.UserID,
		PeriodID:     period.ID,
		ResourceType: rt,
		Limit:        tier.LimitFor(rt),
		Policy:       tier.CapPolicyFor(rt),
		UpdatedAt:    time.Now().UTC(),
	}
}

// Remaining returns limit - used
func (c *QuotaCounter) Remaining() Remaining {
	return RemainingFor(c.Limit, c.Used)
}

// Add increments Used. Callers persisting the counter must make the
// read-modify-write atomic per key.
func (c *QuotaCounter) Add(quantity int64, at time.Time) []AlertThreshold {
	c.Used += quantity
	c.UpdatedAt = at
	return c.Settle()
}

// Settle recomputes the overage and flips any alert flags whose threshold
// Used has reached. It returns the thresholds crossed by this call, lowest
// first. Only hard-capped finite quotas alert.
func (c *QuotaCounter) Settle() []AlertThreshold {
	limit, finite := c.Limit.Amount()
	if !finite {
		c.Overage = 0
		return nil
	}
	c.Overage = max(0, c.Used-limit)

	if c.Policy != CapPolicyHard || c.Used <= 0 {
		return nil
	}

	var crossed []AlertThreshold
	for _, th := range AlertThresholds() {
		flag := c.alertFlag(th)
		if *flag || !reachedPercent(c.Used, limit, int64(th)) {
			continue
		}
		*flag = true
		crossed = append(crossed, th)
	}
	return crossed
}

// reachedPercent reports used*100 >= limit*pct in 128-bit arithmetic, so
// totals close to the int64 range compare correctly. Both inputs are >= 0.
func reachedPercent(used, limit, pct int64) bool {
	uhi, ulo := bits.Mul64(uint64(used), 100)
	lhi, llo := bits.Mul64(uint64(limit), uint64(pct))
	return uhi > lhi || (uhi == lhi && ulo >= llo)
}

// Alerted reports whether the threshold alert has fired this period
func (c *QuotaCounter) Alerted(th AlertThreshold) bool {
	return *c.alertFlag(th)
}

func (c *QuotaCounter) alertFlag(th AlertThreshold) *bool {
	switch th {
	case AlertThreshold80:
		return &c.Alerted80
	case AlertThreshold95:
		return &c.Alerted95
	default:
		return &c.Alerted100
	}
}

package billing

import "iter"

// ReplayCounters rebuilds the counters of a period from its ledger events.
// The result must match the tracked counters; the overage invoice of a
// period is defined by this replay.
func ReplayCounters(period *BillingPeriod, tier TierDefinition, events iter.Seq2[*UsageEvent, error]) ([]*QuotaCounter, error) {
	counters := make(map[ResourceType]*QuotaCounter, len(AllResourceTypes()))
	for _, rt := range AllResourceTypes() {
		counters[rt] = NewQuotaCounter(period, tier, rt)
	}

	for e, err := range events {
		if err != nil {
			return nil, err
		}
		if e.PeriodID() != period.ID {
			continue
		}
		c := counters[e.ResourceType()]
		if c == nil {
			continue
		}
		c.Add(e.Quantity(), e.OccurredAt())
	}

	out := make([]*QuotaCounter, 0, len(counters))
	for _, rt := range AllResourceTypes() {
		out = append(out, counters[rt])
	}
	return out, nil
}

// Package billing provides the domain model for usage metering and subscription-tier enforcement.
//
// This package implements the metering bounded context, which is responsible for:
//   - Defining the immutable tier catalog (price, quotas, cap policy, overage prices)
//   - Recording usage events in an append-only ledger
//   - Tracking per-period quota counters and threshold alerts
//   - Deciding whether a requested consumption is allowed, allowed with overage or rejected
//   - Turning the final counters of a period into an overage invoice
//
// Key Aggregates:
//   - BillingPeriod: A user's subscription window, bound to one tier
//   - QuotaCounter: Running consumption of one resource within one period
//   - Invoice: Overage lines produced when a period is closed
//
// Value Objects:
//   - TierDefinition, Limit, Remaining, Decision
//   - UsageEvent: Immutable record of a single consumption
//   - ResourceType: Enumeration of metered resources
package billing

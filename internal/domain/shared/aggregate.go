package shared

import "time"

// BaseAggregateRoot is an entity whose state changes are counted. Stores
// compare Version on update so a writer holding a stale copy loses.
type BaseAggregateRoot struct {
	BaseEntity
	Version int
}

// NewBaseAggregateRoot starts at version 1
func NewBaseAggregateRoot() BaseAggregateRoot {
	return BaseAggregateRoot{BaseEntity: NewBaseEntity(), Version: 1}
}

// Advance records one state change made at the given time
func (a *BaseAggregateRoot) Advance(at time.Time) {
	a.Touch(at)
	a.Version++
}

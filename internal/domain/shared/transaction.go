package shared

import "context"

// Transactor runs a unit of work atomically.
// Repositories invoked with the ctx passed to fn join the same transaction.
type Transactor interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// NoopTransactor runs fn directly. Used by in-memory wiring and tests.
type NoopTransactor struct{}

// RunInTransaction calls fn with the given context
func (NoopTransactor) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

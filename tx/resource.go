package tx

import "context"

// Resource is what a transaction coordinator enlists: a participant in
// two-phase commit (spec.md §4.7/§4.8). Prepare/Commit/Rollback return
// explicit errors rather than throwing, per spec.md §9's redesign note
// on "exception-for-control-flow commit failures."
type Resource interface {
	// Prepare validates the resource can commit and returns nil if so.
	// A non-nil return aborts the whole transaction.
	Prepare(ctx context.Context) error

	// Commit durably applies the resource's staged work. Only called
	// after every enlisted resource's Prepare has succeeded.
	Commit(ctx context.Context) error

	// Rollback discards the resource's staged work. Must be safe to
	// call on a resource that was never prepared, and safe to call more
	// than once.
	Rollback(ctx context.Context) error
}

// SavepointCapable is implemented by resources that support partial
// rollback within an active transaction (spec.md §4.8 "Savepoint
// semantics"). A resource that does not implement this interface is
// simply skipped when the coordinator walks savepoint operations.
type SavepointCapable interface {
	CreateSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
}

// Named is implemented by resources that want to identify themselves in
// PrepareFailed errors (spec.md §7 "includes the failing resource id").
// A resource without a name is reported by its enlistment index.
type Named interface {
	ResourceName() string
}

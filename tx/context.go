package tx

import "context"

type contextKey struct{}

// WithTransaction attaches t to ctx for ambient propagation through call
// chains that don't want to thread a *Transaction parameter explicitly
// (spec.md §4.8 "ambient transaction context").
func WithTransaction(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext retrieves a transaction attached by WithTransaction.
func FromContext(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(contextKey{}).(*Transaction)
	return t, ok
}

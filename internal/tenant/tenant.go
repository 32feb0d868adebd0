// Package tenant carries the tenant id through request and agent contexts.
// Every store access path resolves the tenant from context and fails closed
// when it is absent.
package tenant

import "context"

type ctxKey struct{}

// WithContext returns a context carrying the given tenant id.
func WithContext(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the tenant id from the context, if present.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

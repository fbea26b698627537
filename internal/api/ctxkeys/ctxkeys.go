// Package ctxkeys holds the shared typed context keys for the API layer.
// It is a leaf package so api, middleware, and handlers can all import it
// without cycles.
package ctxkeys

import "context"

// Key is the unexported named type for all API context keys. A named type
// keeps context.Value lookups from colliding with string keys elsewhere.
type Key string

const (
	// UserID identifies the authenticated investigator, injected by the
	// auth middleware from JWT claims.
	UserID Key = "user_id"

	// ProjectID is the project binding of the token, when present. An
	// empty value means the token spans all projects.
	ProjectID Key = "project_id"
)

// WithValue adds a ctxkeys.Key value to the context.
func WithValue(ctx context.Context, key Key, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// String retrieves a string value stored under key.
func String(ctx context.Context, key Key) string {
	v, _ := ctx.Value(key).(string)
	return v
}

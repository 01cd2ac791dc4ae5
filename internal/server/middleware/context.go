// Package middleware holds the HTTP middleware chain: identity propagation,
// cookie authentication with session tracking, and per-request telemetry.
package middleware

import "context"

type contextKey struct{ name string }

var usernameKey = contextKey{"username"}

// WithUsername returns a context carrying the authenticated username.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// Username returns the authenticated username from context and true if set;
// otherwise "", false.
func Username(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(usernameKey).(string)
	return v, ok && v != ""
}

// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that every
// producer and consumer of a request-scoped value can be found in one place.
// Typed accessors live next to the value's type (auth.PrincipalFromContext,
// tenants.MembershipFromContext) to keep this package free of imports.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *auth.Principal
	// Set by: middleware.Authenticate (pkg/middleware/auth.go)
	// Required by: tenant resolution, every authenticated handler
	// Type: *auth.Principal
	PrincipalKey Key = "principal"

	// MembershipKey contains *tenants.Membership
	// Set by: middleware.ResolveTenant (pkg/middleware/tenant.go)
	// Required by: middleware.RequirePermission, middleware.RequireFeature, tenant handlers
	// Type: *tenants.Membership
	MembershipKey Key = "membership"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, error logging
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context, or "" if absent
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

package middleware

import (
	"context"

	"github.com/upb/authgate/idp"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// PrincipalKey is the context key for the authenticated principal
	PrincipalKey contextKey = "principal"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// PrincipalFromContext retrieves the authenticated principal, or nil for anonymous requests
func PrincipalFromContext(ctx context.Context) *idp.Principal {
	if val := ctx.Value(PrincipalKey); val != nil {
		if principal, ok := val.(*idp.Principal); ok {
			return principal
		}
	}
	return nil
}

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal *idp.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

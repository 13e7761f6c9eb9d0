// ABOUTME: Request identity carried through handlers after token verification
// ABOUTME: WithAuth/FromContext attach and read the CRM user and tenant on a context

package auth

import (
	"context"
)

// AuthContext identifies the CRM user behind a request. HTTPAuthMiddleware
// builds it from verified token claims.
type AuthContext struct {
	UserID   string
	TenantID string
}

// CanAccess reports whether the caller may see data owned by tenantID.
// Tenants are never shared, so an empty tenant on either side fails.
func (a *AuthContext) CanAccess(tenantID string) bool {
	return a != nil && a.TenantID != "" && a.TenantID == tenantID
}

type ctxKey int

const identityKey ctxKey = 0

// WithAuth attaches the identity to ctx.
func WithAuth(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, identityKey, a)
}

// FromContext returns the identity on ctx, or nil when the request was not
// authenticated.
func FromContext(ctx context.Context) *AuthContext {
	a, _ := ctx.Value(identityKey).(*AuthContext)
	return a
}

// MustFromContext is FromContext for handlers mounted behind
// HTTPAuthMiddleware. It panics when no identity is present.
func MustFromContext(ctx context.Context) *AuthContext {
	if a := FromContext(ctx); a != nil {
		return a
	}
	panic("auth: request has no identity; is the handler behind HTTPAuthMiddleware?")
}

// Package middleware provides the HTTP guards composing the trust
// pipeline at route-registration time: authentication, authorization,
// rate limiting, and trust-context propagation.
package middleware

import (
	"context"

	"github.com/axisflow/trustplane/internal/auth"
)

type contextKey int

const (
	principalKey contextKey = iota
	tenantKey
)

// WithPrincipal stores the authenticated principal on the request context.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated principal, or nil on routes that
// skipped authentication.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// WithTenant stores the validated tenant id on the request context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFrom returns the validated tenant id, or "" when the request
// carries no tenant context.
func TenantFrom(ctx context.Context) string {
	tenantID, _ := ctx.Value(tenantKey).(string)
	return tenantID
}

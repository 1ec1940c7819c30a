package middleware

import (
	"log/slog"
	"net/http"

	"github.com/axisflow/trustplane/internal/auth"
)

// HeaderTenantID lets administrators act on another tenant's behalf.
// Non-admin requests carrying it are rejected outright.
const HeaderTenantID = "X-Tenant-ID"

// ResolveTenant validates the request's tenant against the registry and
// scopes the resolved id to the request context. Resolution priority: the
// admin override header, then the principal's tenant claim. Requests
// without a principal or without any tenant pass through untouched;
// unknown and deactivated tenants are both a plain 403 (the distinction
// stays in the server logs, anti-enumeration).
func ResolveTenant(tenants *auth.TenantRegistry, adminRole string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if adminRole == "" {
		adminRole = "admin"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFrom(r.Context())
			if principal == nil {
				next.ServeHTTP(w, r)
				return
			}

			tenantID := principal.TenantID
			if override := r.Header.Get(HeaderTenantID); override != "" {
				if !principal.HasRole(adminRole) {
					logger.Warn("tenant override rejected",
						"subject", principal.Subject, "tenant_id", override)
					forbidden(w)
					return
				}
				tenantID = override
			}

			if tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := tenants.Resolve(tenantID); err != nil {
				logger.Warn("tenant rejected",
					"subject", principal.Subject, "error", err)
				forbidden(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}

package middleware

import (
	"net/http"

	"github.com/axisflow/trustplane/internal/auth"
	"github.com/axisflow/trustplane/internal/rbac"
)

// forbidden writes the 403 response. The required roles or permissions are
// never echoed back (anti-enumeration); they are logged server-side by the
// role graph.
func forbidden(w http.ResponseWriter) {
	writeJSONError(w, http.StatusForbidden, errorBody{Detail: "Forbidden"})
}

// RequireRole guards a route: the principal must hold at least one of the
// given roles.
func RequireRole(graph *rbac.Graph, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFrom(r.Context())
			if principal == nil {
				writeAuthError(w, auth.ErrMissingToken)
				return
			}
			if err := graph.RequireRole(principal, roles...); err != nil {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission guards a route: the principal must be granted the
// permission through a role, the default role, or an explicit grant.
func RequirePermission(graph *rbac.Graph, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFrom(r.Context())
			if principal == nil {
				writeAuthError(w, auth.ErrMissingToken)
				return
			}
			if err := graph.RequirePermission(principal, permission); err != nil {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package auth

import "strings"

// Principal represents an authenticated caller with normalized claims.
//
// This struct is IMMUTABLE after construction. It is built once per request
// from a verified token payload, stored in the request context, and never
// persisted. Role-derived authorization lives in the rbac package; the
// methods here only consult the principal's own explicit grants.
type Principal struct {
	// Subject is the stable caller identifier (from sub, user_id, or uid).
	// Never empty: a token without one fails verification.
	Subject string

	// Email is the caller's email address, if the token carried one
	// (email claim, falling back to preferred_username).
	Email string

	// Roles lists the role names carried by the token.
	Roles []string

	// Permissions lists explicit permission grants (permissions claim
	// unioned with OAuth scope).
	Permissions []string

	// TenantID is the multi-tenant identifier, if any.
	TenantID string

	// Provider tags the issuing identity provider (azure, google, apple,
	// github, or local), inferred from the iss claim.
	Provider string

	// RawClaims is the verified token payload, passed through opaquely
	// for provider-specific claims.
	RawClaims map[string]any
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal carries at least one of the
// given roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// HasPermission checks the principal's explicit grants against a
// permission, honoring the "*" and "action:*" wildcard forms. It does not
// resolve roles; use the rbac package for role-derived permissions.
func (p *Principal) HasPermission(permission string) bool {
	for _, granted := range p.Permissions {
		if granted == "*" || granted == permission {
			return true
		}
	}
	action, _, found := strings.Cut(permission, ":")
	if found {
		for _, granted := range p.Permissions {
			if granted == action+":*" {
				return true
			}
		}
	}
	return false
}

// HasAnyPermission reports whether any of the given permissions is granted.
func (p *Principal) HasAnyPermission(permissions ...string) bool {
	for _, perm := range permissions {
		if p.HasPermission(perm) {
			return true
		}
	}
	return false
}

// Claim returns a claim from the verified token payload.
func (p *Principal) Claim(name string) (any, bool) {
	v, ok := p.RawClaims[name]
	return v, ok
}

// DisplayName returns the best human-readable name available.
func (p *Principal) DisplayName() string {
	if name, ok := p.RawClaims["name"].(string); ok && name != "" {
		return name
	}
	if pu, ok := p.RawClaims["preferred_username"].(string); ok && pu != "" {
		return pu
	}
	if p.Email != "" {
		return p.Email
	}
	return p.Subject
}

package auth

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// claimShape captures the heterogeneous claim layouts seen across identity
// providers. WeaklyTypedInput lets mapstructure absorb the common "string
// where a list belongs" variants (roles: "admin").
type claimShape struct {
	Subject           string   `mapstructure:"sub"`
	UserID            string   `mapstructure:"user_id"`
	UID               string   `mapstructure:"uid"`
	Email             string   `mapstructure:"email"`
	PreferredUsername string   `mapstructure:"preferred_username"`
	Roles             []string `mapstructure:"roles"`
	Role              string   `mapstructure:"role"`
	Scope             string   `mapstructure:"scope"`
	TenantID          string   `mapstructure:"tenant_id"`
	TID               string   `mapstructure:"tid"`
	OrganizationID    string   `mapstructure:"organization_id"`
	Issuer            string   `mapstructure:"iss"`
}

// providerIssuers maps issuer substrings to provider tags.
var providerIssuers = []struct {
	substring string
	provider  string
}{
	{"login.microsoftonline.com", "azure"},
	{"accounts.google.com", "google"},
	{"appleid.apple.com", "apple"},
	{"github.com", "github"},
}

// PrincipalFromClaims normalizes a verified token payload into a Principal.
// A missing subject is a verification failure, never a zero-value Principal.
func PrincipalFromClaims(claims map[string]any) (*Principal, error) {
	var shape claimShape
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &shape,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build claim decoder: %w", err)
	}
	if err := decoder.Decode(claims); err != nil {
		return nil, fmt.Errorf("%w: unrecognized claim shape", ErrInvalidToken)
	}

	subject := firstNonEmpty(shape.Subject, shape.UserID, shape.UID)
	if subject == "" {
		return nil, fmt.Errorf("%w: token missing user identifier (sub)", ErrInvalidToken)
	}

	roles := shape.Roles
	if shape.Role != "" && !contains(roles, shape.Role) {
		roles = append(roles, shape.Role)
	}

	permissions := normalizePermissions(claims["permissions"])
	for _, scopePerm := range strings.Fields(shape.Scope) {
		if !contains(permissions, scopePerm) {
			permissions = append(permissions, scopePerm)
		}
	}

	return &Principal{
		Subject:     subject,
		Email:       firstNonEmpty(shape.Email, shape.PreferredUsername),
		Roles:       roles,
		Permissions: permissions,
		TenantID:    firstNonEmpty(shape.TenantID, shape.TID, shape.OrganizationID),
		Provider:    providerFromIssuer(shape.Issuer),
		RawClaims:   claims,
	}, nil
}

// normalizePermissions accepts the permissions claim as a list, a single
// string, or a space-delimited string.
func normalizePermissions(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return strings.Fields(v)
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func providerFromIssuer(issuer string) string {
	if issuer == "" {
		return "local"
	}
	lowered := strings.ToLower(issuer)
	for _, entry := range providerIssuers {
		if strings.Contains(lowered, entry.substring) {
			return entry.provider
		}
	}
	return "local"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

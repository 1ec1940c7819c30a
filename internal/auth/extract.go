package auth

import (
	"net/http"
	"strings"

	"github.com/axisflow/trustplane/internal/config"
)

// ExtractToken pulls a bearer token from the request, checking carriers in
// priority order: Authorization header, then the configured cookie, then
// the configured query parameter. Returns ErrMissingToken when no carrier
// yields one.
func ExtractToken(r *http.Request, cfg config.TokenConfig) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token, nil
			}
		}
	}

	if cfg.TokenCookie != "" {
		if cookie, err := r.Cookie(cfg.TokenCookie); err == nil && cookie.Value != "" {
			return cookie.Value, nil
		}
	}

	if cfg.TokenQueryParam != "" {
		if token := r.URL.Query().Get(cfg.TokenQueryParam); token != "" {
			return token, nil
		}
	}

	return "", ErrMissingToken
}

// PathExempt reports whether a request path matches any of the exempt
// patterns. Patterns are exact matches or suffix wildcards ("/prefix/*"),
// which match the prefix itself and everything under it.
func PathExempt(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
			continue
		}
		if path == pattern {
			return true
		}
	}
	return false
}

package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/axisflow/trustplane/internal/auth"
	"github.com/axisflow/trustplane/internal/config"
)

// errorBody is the JSON shape of every 401/403 response.
type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"error,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeAuthError maps a verification failure to its 401 response. The
// detail text comes from the sentinel only; wrapped specifics stay in the
// server logs.
func writeAuthError(w http.ResponseWriter, err error) {
	var code string
	var challenge string
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		code = "missing_token"
		challenge = `Bearer realm="api"`
	case errors.Is(err, auth.ErrExpiredToken):
		code = "token_expired"
		challenge = `Bearer realm="api", error="invalid_token"`
	case errors.Is(err, auth.ErrInvalidToken):
		code = "invalid_token"
		challenge = `Bearer realm="api", error="invalid_token"`
	default:
		code = "auth_error"
		challenge = `Bearer realm="api"`
	}

	w.Header().Set("WWW-Authenticate", challenge)
	writeJSONError(w, http.StatusUnauthorized, errorBody{
		Detail: publicDetail(err),
		Code:   code,
	})
}

// publicDetail reduces an error chain to its sentinel text.
func publicDetail(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "Not authenticated"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token has expired"
	case errors.Is(err, auth.ErrInvalidToken):
		return "Invalid authentication token"
	default:
		return "Authentication error"
	}
}

// Authenticate verifies the bearer token on every non-exempt request and
// stores the resulting principal on the request context.
func Authenticate(cfg config.TokenConfig, verifier *auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.PathExempt(r.URL.Path, cfg.ExemptPaths) {
				next.ServeHTTP(w, r)
				return
			}

			token, err := auth.ExtractToken(r, cfg)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Debug("token verification failed",
					"path", r.URL.Path, "error", err)
				writeAuthError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

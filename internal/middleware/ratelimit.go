package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/axisflow/trustplane/internal/config"
	"github.com/axisflow/trustplane/internal/ratelimit"
)

// RateLimit throttles requests per identifier with the configured default
// limit, honoring per-route overrides. Identifier precedence: the
// authenticated principal, then an API key header, then the client IP —
// so authenticated users are never throttled on a shared IP's budget.
func RateLimit(limiter *ratelimit.Limiter, cfg config.RateLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, window, limited := routeLimit(cfg, r.URL.Path)
			if !limited {
				next.ServeHTTP(w, r)
				return
			}

			identifier := requestIdentifier(r)
			result, err := limiter.AllowN(r.Context(), identifier, limit, window)
			if err != nil {
				// Only reachable under fail-closed policy.
				logger.Error("rate limit backend unavailable", "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, errorBody{
					Detail: "Rate limiting unavailable",
					Code:   "backend_unavailable",
				})
				return
			}

			if cfg.IncludeHeaders {
				for name, value := range result.Headers() {
					w.Header().Set(name, value)
				}
			}

			if !result.Allowed {
				writeJSONError(w, http.StatusTooManyRequests, errorBody{
					Detail: "Rate limit exceeded",
					Code:   "rate_limited",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// routeLimit resolves the limit and window for a path. A nil override
// disables limiting for the pattern entirely.
func routeLimit(cfg config.RateLimitConfig, path string) (int, time.Duration, bool) {
	for pattern, override := range cfg.RouteLimits {
		if !pathMatches(pattern, path) {
			continue
		}
		if override == nil {
			return 0, 0, false
		}
		return override.Limit, override.Window, true
	}
	return cfg.Limit, cfg.Window, true
}

// pathMatches supports exact patterns and "/prefix/*" suffix wildcards.
func pathMatches(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == pattern
}

// requestIdentifier picks the rate limit key for a request.
func requestIdentifier(r *http.Request) string {
	if principal := PrincipalFrom(r.Context()); principal != nil {
		return "user:" + principal.Subject
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return "apikey:" + apiKey
	}
	return "ip:" + clientIP(r)
}

// clientIP extracts the client address, preferring the first entry of
// X-Forwarded-For when a proxy set one.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

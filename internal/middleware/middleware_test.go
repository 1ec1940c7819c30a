package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axisflow/trustplane/internal/auth"
	"github.com/axisflow/trustplane/internal/config"
	"github.com/axisflow/trustplane/internal/ratelimit"
	"github.com/axisflow/trustplane/internal/rbac"
	"github.com/axisflow/trustplane/internal/trust"
)

const testSecret = "middleware-test-secret-32-bytes!!!!"

func testTokenConfig() config.TokenConfig {
	return config.TokenConfig{
		Secret:      testSecret,
		Algorithm:   "HS256",
		ExemptPaths: []string{"/health", "/auth/sso/*"},
	}
}

func testVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	verifier, err := auth.NewVerifier(testTokenConfig())
	require.NoError(t, err)
	return verifier
}

func testIssuer(t *testing.T) *auth.Issuer {
	t.Helper()
	issuer, err := auth.NewIssuer(testTokenConfig(), nil)
	require.NoError(t, err)
	return issuer
}

func testGraph(t *testing.T) *rbac.Graph {
	t.Helper()
	graph, err := rbac.NewGraph(map[string]any{
		"admin": []string{"*"},
		"user":  []string{"read:data"},
	}, "", nil)
	require.NoError(t, err)
	return graph
}

// okHandler records that the request made it through the middleware chain.
func okHandler(hit *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hit = true
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestAuthenticateValidToken(t *testing.T) {
	token, err := testIssuer(t).IssueAccessToken(auth.AccessClaims{
		Subject: "user-1",
		Roles:   []string{"user"},
	})
	require.NoError(t, err)

	var principal *auth.Principal
	handler := Authenticate(testTokenConfig(), testVerifier(t), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal = PrincipalFrom(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, principal)
	assert.Equal(t, "user-1", principal.Subject)
	assert.Equal(t, []string{"user"}, principal.Roles)
}

func TestAuthenticateExemptPaths(t *testing.T) {
	handler := Authenticate(testTokenConfig(), testVerifier(t), nil)

	for _, path := range []string{"/health", "/auth/sso/google"} {
		var hit bool
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler(okHandler(&hit)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.True(t, hit, path)
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	var hit bool
	handler := Authenticate(testTokenConfig(), testVerifier(t), nil)(okHandler(&hit))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, hit)
	assert.Equal(t, `Bearer realm="api"`, rec.Header().Get("WWW-Authenticate"))

	body := decodeError(t, rec)
	assert.Equal(t, "Not authenticated", body.Detail)
	assert.Equal(t, "missing_token", body.Code)
}

func TestAuthenticateExpiredToken(t *testing.T) {
	// Issued tokens are always future-dated, so sign an expired one by hand
	// with the same secret.
	claims := jwt.MapClaims{
		"sub": "user-1",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	handler := Authenticate(testTokenConfig(), testVerifier(t), nil)(okHandler(new(bool)))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="api", error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))

	body := decodeError(t, rec)
	assert.Equal(t, "Token has expired", body.Detail)
	assert.Equal(t, "token_expired", body.Code)
}

func TestAuthenticateInvalidToken(t *testing.T) {
	handler := Authenticate(testTokenConfig(), testVerifier(t), nil)(okHandler(new(bool)))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="api", error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))

	body := decodeError(t, rec)
	assert.Equal(t, "Invalid authentication token", body.Detail)
	assert.Equal(t, "invalid_token", body.Code)
}

func TestRequireRole(t *testing.T) {
	graph := testGraph(t)
	handler := RequireRole(graph, "admin")

	t.Run("granted", func(t *testing.T) {
		var hit bool
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req = req.WithContext(WithPrincipal(req.Context(), &auth.Principal{
			Subject: "root", Roles: []string{"admin"},
		}))
		rec := httptest.NewRecorder()
		handler(okHandler(&hit)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, hit)
	})

	t.Run("denied", func(t *testing.T) {
		var hit bool
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req = req.WithContext(WithPrincipal(req.Context(), &auth.Principal{
			Subject: "user-1", Roles: []string{"user"},
		}))
		rec := httptest.NewRecorder()
		handler(okHandler(&hit)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.False(t, hit)

		// The response must not leak which role was required.
		body := decodeError(t, rec)
		assert.Equal(t, "Forbidden", body.Detail)
		assert.NotContains(t, rec.Body.String(), "admin")
	})

	t.Run("unauthenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		rec := httptest.NewRecorder()
		handler(okHandler(new(bool))).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "missing_token", decodeError(t, rec).Code)
	})
}

func TestRequirePermission(t *testing.T) {
	graph := testGraph(t)
	handler := RequirePermission(graph, "write:data")

	t.Run("wildcard grant", func(t *testing.T) {
		var hit bool
		req := httptest.NewRequest(http.MethodPost, "/data", nil)
		req = req.WithContext(WithPrincipal(req.Context(), &auth.Principal{
			Subject: "root", Roles: []string{"admin"},
		}))
		rec := httptest.NewRecorder()
		handler(okHandler(&hit)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, hit)
	})

	t.Run("denied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/data", nil)
		req = req.WithContext(WithPrincipal(req.Context(), &auth.Principal{
			Subject: "user-1", Roles: []string{"user"},
		}))
		rec := httptest.NewRecorder()
		handler(okHandler(new(bool))).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.NotContains(t, rec.Body.String(), "write:data")
	})
}

func rateLimitConfig(limit int, window time.Duration) config.RateLimitConfig {
	return config.RateLimitConfig{
		Limit:          limit,
		Window:         window,
		IncludeHeaders: true,
	}
}

func testRateLimiter(limit int, window time.Duration) *ratelimit.Limiter {
	backend := ratelimit.NewMemoryBackend(0, nil)
	return ratelimit.NewLimiterWithBackend(backend, limit, window, true, nil)
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	cfg := rateLimitConfig(2, time.Minute)
	handler := RateLimit(testRateLimiter(2, time.Minute), cfg, nil)(okHandler(new(bool)))

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		req.RemoteAddr = "203.0.113.7:4321"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decodeError(t, rec)
	assert.Equal(t, "Rate limit exceeded", body.Detail)
	assert.Equal(t, "rate_limited", body.Code)
}

func TestRateLimitIdentifierIsolation(t *testing.T) {
	cfg := rateLimitConfig(1, time.Minute)
	handler := RateLimit(testRateLimiter(1, time.Minute), cfg, nil)(okHandler(new(bool)))

	// Exhaust the IP budget.
	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// An authenticated request from the same IP draws from its own budget.
	req = httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	req = req.WithContext(WithPrincipal(req.Context(), &auth.Principal{Subject: "user-1"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A third anonymous request from the IP is over.
	req = httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitRouteOverrides(t *testing.T) {
	cfg := rateLimitConfig(100, time.Minute)
	cfg.RouteLimits = map[string]*config.RouteLimit{
		"/expensive/*": {Limit: 1, Window: time.Minute},
		"/health":      nil, // exempt
	}
	handler := RateLimit(testRateLimiter(100, time.Minute), cfg, nil)(okHandler(new(bool)))

	send := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.7:4321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("/expensive/report"))
	assert.Equal(t, http.StatusTooManyRequests, send("/expensive/report"))

	// The exempt route never counts, no matter how often it is hit.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, send("/health"))
	}
}

func TestRequestIdentifierPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	assert.Equal(t, "ip:203.0.113.7", requestIdentifier(req))

	req.Header.Set("X-API-Key", "key-abc")
	assert.Equal(t, "apikey:key-abc", requestIdentifier(req))

	req = req.WithContext(WithPrincipal(req.Context(), &auth.Principal{Subject: "user-1"}))
	assert.Equal(t, "user:user-1", requestIdentifier(req))
}

func TestClientIPForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "198.51.100.3, 10.0.0.1")
	assert.Equal(t, "198.51.100.3", clientIP(req))
}

func TestTrustContextExtractsEnvelope(t *testing.T) {
	extractor := trust.NewExtractor(nil)
	store := trust.NewStore(config.SessionConfig{DefaultTTL: time.Hour}, nil)

	var envelope *trust.Envelope
	handler := TrustContext(extractor, store)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			envelope = trust.EnvelopeFrom(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodPost, "/workflows", nil)
	req.Header.Set(trust.HeaderTraceID, "trace-42")
	req.Header.Set(trust.HeaderAgentID, "agent-alpha")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, envelope)
	assert.Equal(t, "trace-42", envelope.TraceID)
	assert.Equal(t, "agent-alpha", envelope.AgentID)
}

func TestTrustContextResolvesSession(t *testing.T) {
	extractor := trust.NewExtractor(nil)
	store := trust.NewStore(config.SessionConfig{DefaultTTL: time.Hour}, nil)
	record := store.CreateSession(map[string]any{"user_id": "human-1"}, "agent-alpha", nil)

	var session *trust.Record
	handler := TrustContext(extractor, store)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session = trust.CurrentSession(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodPost, "/workflows", nil)
	req.Header.Set(trust.HeaderSessionID, record.SessionID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, session)
	assert.Equal(t, record.SessionID, session.SessionID)

	// Touch bumped the stored record's activity timestamp.
	fresh := store.GetSession(record.SessionID)
	require.NotNil(t, fresh)
	assert.False(t, fresh.LastActivity.Before(record.LastActivity))
}

func TestTrustContextRevokedSessionAbsent(t *testing.T) {
	extractor := trust.NewExtractor(nil)
	store := trust.NewStore(config.SessionConfig{DefaultTTL: time.Hour}, nil)
	record := store.CreateSession(map[string]any{"user_id": "human-1"}, "agent-alpha", nil)
	require.True(t, store.RevokeSession(record.SessionID, "compromised"))

	var session *trust.Record
	handler := TrustContext(extractor, store)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session = trust.CurrentSession(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodPost, "/workflows", nil)
	req.Header.Set(trust.HeaderSessionID, record.SessionID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Revoked sessions never reach the handler, but the request itself is
	// not rejected at this layer.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, session)
}

func TestTrustContextMalformedHeadersPassThrough(t *testing.T) {
	extractor := trust.NewExtractor(nil)
	store := trust.NewStore(config.SessionConfig{DefaultTTL: time.Hour}, nil)

	var hit bool
	handler := TrustContext(extractor, store)(okHandler(&hit))

	req := httptest.NewRequest(http.MethodPost, "/workflows", nil)
	req.Header.Set(trust.HeaderHumanOrigin, "%%%not-base64-or-json%%%")
	req.Header.Set(trust.HeaderDelegationDepth, "not-a-number")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hit)
}

func TestResolveTenant(t *testing.T) {
	registry := auth.NewTenantRegistry([]string{"acme", "globex"}, nil)
	registry.Deactivate("globex")
	handler := ResolveTenant(registry, "admin", nil)

	send := func(principal *auth.Principal, override string, tenant *string) *httptest.ResponseRecorder {
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tenant != nil {
				*tenant = TenantFrom(r.Context())
			}
			w.WriteHeader(http.StatusOK)
		})
		req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		if principal != nil {
			req = req.WithContext(WithPrincipal(req.Context(), principal))
		}
		if override != "" {
			req.Header.Set(HeaderTenantID, override)
		}
		rec := httptest.NewRecorder()
		handler(inner).ServeHTTP(rec, req)
		return rec
	}

	t.Run("valid tenant claim", func(t *testing.T) {
		var tenant string
		rec := send(&auth.Principal{Subject: "user-1", TenantID: "acme"}, "", &tenant)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "acme", tenant)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		rec := send(&auth.Principal{Subject: "user-1", TenantID: "initech"}, "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		// The response must not reveal whether the tenant exists.
		assert.Equal(t, "Forbidden", decodeError(t, rec).Detail)
		assert.NotContains(t, rec.Body.String(), "initech")
	})

	t.Run("deactivated tenant", func(t *testing.T) {
		rec := send(&auth.Principal{Subject: "user-1", TenantID: "globex"}, "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "Forbidden", decodeError(t, rec).Detail)
	})

	t.Run("admin override", func(t *testing.T) {
		var tenant string
		admin := &auth.Principal{Subject: "root", Roles: []string{"admin"}, TenantID: "acme"}
		rec := send(admin, "acme", &tenant)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "acme", tenant)
	})

	t.Run("non-admin override rejected", func(t *testing.T) {
		user := &auth.Principal{Subject: "user-1", Roles: []string{"user"}, TenantID: "acme"}
		rec := send(user, "globex", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("no tenant passes through", func(t *testing.T) {
		var tenant string
		rec := send(&auth.Principal{Subject: "user-1"}, "", &tenant)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, tenant)
	})

	t.Run("unauthenticated passes through", func(t *testing.T) {
		rec := send(nil, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

// Package server assembles the HTTP router: baseline chi middleware, CORS
// policy, the trust-pipeline guards, and the gateway endpoints.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/axisflow/trustplane/internal/auth"
	"github.com/axisflow/trustplane/internal/config"
	tpmiddleware "github.com/axisflow/trustplane/internal/middleware"
	"github.com/axisflow/trustplane/internal/pipeline"
	"github.com/axisflow/trustplane/internal/ratelimit"
	"github.com/axisflow/trustplane/internal/rbac"
	"github.com/axisflow/trustplane/internal/trust"
)

// RouterOptions controls the construction of the gateway router. Optional
// components are skipped when nil; the zero value yields a router with
// only the health endpoint.
type RouterOptions struct {
	Cfg       *config.Config
	Verifier  *auth.Verifier
	Issuer    *auth.Issuer
	Roles     *rbac.Graph
	Limiter   *ratelimit.Limiter
	Tenants   *auth.TenantRegistry
	Extractor *trust.Extractor
	Sessions  *trust.Store
	Pipeline  *pipeline.Pipeline
	Logger    *slog.Logger

	CORSOptions *cors.Options
	Middleware  []func(http.Handler) http.Handler
	ExtraRoutes func(chi.Router)
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			"Authorization",
			"X-API-Key",
			trust.HeaderTraceID,
			trust.HeaderAgentID,
			trust.HeaderHumanOrigin,
			trust.HeaderDelegationChain,
			trust.HeaderDelegationDepth,
			trust.HeaderConstraints,
			trust.HeaderSessionID,
			trust.HeaderSignature,
		},
		ExposedHeaders: []string{
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles a chi.Router with the guard chain applied in request
// order: rate limit, authentication, trust-context extraction. Route-level
// authorization guards are attached per endpoint.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	// Rate limiting runs before authentication so over-limit callers never
	// trigger signature work.
	if opts.Limiter != nil && opts.Cfg != nil {
		r.Use(tpmiddleware.RateLimit(opts.Limiter, opts.Cfg.RateLimit, logger))
	}
	if opts.Verifier != nil && opts.Cfg != nil {
		r.Use(tpmiddleware.Authenticate(opts.Cfg.Token, opts.Verifier, logger))
	}
	if opts.Tenants != nil {
		r.Use(tpmiddleware.ResolveTenant(opts.Tenants, "admin", logger))
	}
	if opts.Extractor != nil {
		r.Use(tpmiddleware.TrustContext(opts.Extractor, opts.Sessions))
	}

	r.Get("/health", healthHandler)

	if opts.Issuer != nil && opts.Verifier != nil {
		r.Post("/auth/refresh", HandleRefresh(opts.Issuer, opts.Verifier, logger))
	}

	r.Get("/whoami", HandleWhoAmI())

	if opts.Roles != nil {
		r.With(tpmiddleware.RequireRole(opts.Roles, "admin")).
			Get("/admin/rbac/stats", HandleRBACStats(opts.Roles))
	}

	if opts.Sessions != nil && opts.Roles != nil {
		guard := tpmiddleware.RequirePermission(opts.Roles, "manage:sessions")
		r.With(guard).Get("/sessions", HandleSessionList(opts.Sessions))
		r.With(guard).Post("/sessions/revoke", HandleSessionRevoke(opts.Sessions, logger))
	}

	if opts.Pipeline != nil {
		r.Post("/a2a/prepare", HandleA2APrepare(opts.Pipeline, logger))
		r.Post("/a2a/verify", HandleA2AVerify(opts.Pipeline))
		r.Get("/a2a/history", HandleA2AHistory(opts.Pipeline))
	}

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}

	return r
}

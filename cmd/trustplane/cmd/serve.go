package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axisflow/trustplane/internal/auth"
	"github.com/axisflow/trustplane/internal/config"
	"github.com/axisflow/trustplane/internal/pipeline"
	"github.com/axisflow/trustplane/internal/ratelimit"
	"github.com/axisflow/trustplane/internal/rbac"
	"github.com/axisflow/trustplane/internal/server"
	"github.com/axisflow/trustplane/internal/trust"
)

// defaultRoles applies when no roles file is configured.
var defaultRoles = map[string]any{
	"admin": []string{"*"},
	"operator": map[string]any{
		"permissions": []string{"manage:sessions"},
		"inherits":    []string{"user"},
	},
	"user": []string{"read:data", "execute:workflow"},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trust gateway",
	Long:  `Starts the HTTP gateway with authentication, authorization, rate limiting, and agent-to-agent delegation endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.Default()

		verifier, err := auth.NewVerifier(cfg.Token)
		if err != nil {
			return fmt.Errorf("configure verifier: %w", err)
		}
		issuer, err := auth.NewIssuer(cfg.Token, logger)
		if err != nil {
			return fmt.Errorf("configure issuer: %w", err)
		}

		roles := defaultRoles
		if cfg.RolesFile != "" {
			roles, err = config.LoadRolesFile(cfg.RolesFile)
			if err != nil {
				return fmt.Errorf("load roles: %w", err)
			}
			logger.Info("loaded role configuration", "path", cfg.RolesFile, "roles", len(roles))
		}
		graph, err := rbac.NewGraph(roles, cfg.DefaultRole, logger)
		if err != nil {
			return fmt.Errorf("configure role graph: %w", err)
		}

		limiter, err := ratelimit.NewLimiter(cfg.RateLimit, logger)
		if err != nil {
			return fmt.Errorf("configure rate limiter: %w", err)
		}
		defer limiter.Close()

		var tenants *auth.TenantRegistry
		if len(cfg.Tenants) > 0 {
			tenants = auth.NewTenantRegistry(cfg.Tenants, logger)
		}

		extractor := trust.NewExtractor(logger)
		sessions := trust.NewStore(cfg.Session, logger)

		policy, err := pipeline.NewConstraintPolicy(cfg.Pipeline.ConstraintExpression)
		if err != nil {
			return fmt.Errorf("parse constraint policy: %w", err)
		}

		pipe := pipeline.New(limiter, verifier, extractor, sessions, graph,
			pipeline.WithRequireDelegation(cfg.Pipeline.RequireDelegation),
			pipeline.WithConstraintPolicy(policy),
			pipeline.WithLogger(logger),
		)

		// Reclaim expired session records in the background.
		cleanupCtx, cancelCleanup := context.WithCancel(cmd.Context())
		defer cancelCleanup()
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if removed := sessions.CleanupExpired(); removed > 0 {
						logger.Info("reclaimed expired sessions", "count", removed)
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()

		router := server.NewRouter(server.RouterOptions{
			Cfg:       cfg,
			Verifier:  verifier,
			Issuer:    issuer,
			Roles:     graph,
			Limiter:   limiter,
			Tenants:   tenants,
			Extractor: extractor,
			Sessions:  sessions,
			Pipeline:  pipe,
			Logger:    logger,
		})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting gateway", "addr", cfg.ServerAddr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			logger.Info("server stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

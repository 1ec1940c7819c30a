package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/axisflow/trustplane/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "trustplane",
	Short: "Request-path trust gateway for multi-agent workflows",
	Long: `Trustplane guards the request path of a workflow gateway: JWT
verification and issuance, role-based authorization, sliding-window rate
limiting, and trust-context propagation for agent-to-agent calls.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		level := slog.LevelInfo
		if cfg.Debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: TRUSTPLANE_SERVER_ADDR)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: TRUSTPLANE_DEBUG)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

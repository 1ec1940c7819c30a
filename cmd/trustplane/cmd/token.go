package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/axisflow/trustplane/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and inspect gateway tokens",
}

var (
	issueSubject     string
	issueEmail       string
	issueRoles       []string
	issuePermissions []string
	issueTenant      string
	issueTTL         time.Duration
	issueRefresh     bool
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint a signed token with the configured key material",
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, err := auth.NewIssuer(cfg.Token, slog.Default())
		if err != nil {
			return fmt.Errorf("configure issuer: %w", err)
		}

		var token string
		if issueRefresh {
			token, err = issuer.IssueRefreshToken(issueSubject, issueTenant, issueTTL)
		} else {
			token, err = issuer.IssueAccessToken(auth.AccessClaims{
				Subject:     issueSubject,
				Email:       issueEmail,
				Roles:       issueRoles,
				Permissions: issuePermissions,
				TenantID:    issueTenant,
				TTL:         issueTTL,
			})
		}
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Verify a token and print the resolved principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verifier, err := auth.NewVerifier(cfg.Token)
		if err != nil {
			return fmt.Errorf("configure verifier: %w", err)
		}

		principal, err := verifier.Verify(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]any{
			"subject":     principal.Subject,
			"email":       principal.Email,
			"roles":       principal.Roles,
			"permissions": principal.Permissions,
			"tenant_id":   principal.TenantID,
			"provider":    principal.Provider,
			"claims":      principal.RawClaims,
		})
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&issueSubject, "subject", "", "Token subject (required)")
	tokenIssueCmd.Flags().StringVar(&issueEmail, "email", "", "Email claim")
	tokenIssueCmd.Flags().StringSliceVar(&issueRoles, "role", nil, "Role claim (repeatable)")
	tokenIssueCmd.Flags().StringSliceVar(&issuePermissions, "permission", nil, "Explicit permission claim (repeatable)")
	tokenIssueCmd.Flags().StringVar(&issueTenant, "tenant", "", "Tenant claim")
	tokenIssueCmd.Flags().DurationVar(&issueTTL, "ttl", 0, "Token lifetime (0 = default)")
	tokenIssueCmd.Flags().BoolVar(&issueRefresh, "refresh", false, "Issue a refresh token instead of an access token")
	if err := tokenIssueCmd.MarkFlagRequired("subject"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenInspectCmd)
	rootCmd.AddCommand(tokenCmd)
}

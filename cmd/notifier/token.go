package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		email    string
		username string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an HS256 token for local testing",
		Long: `Mint a token signed with the configured JWT secret. Only useful when no
OIDC issuer is configured; the server then accepts it on /ws, or on
/callbacks/$connect with the apigateway transport.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if cfg.OIDCIssuer != "" {
				return fmt.Errorf("an OIDC issuer is configured; tokens must come from %s", cfg.OIDCIssuer)
			}

			token, err := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer).
				WithTTL(ttl).
				Issue(auth.Identity{UserID: args[0], Username: username, Email: email})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&username, "username", "", "username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}

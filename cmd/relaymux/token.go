package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/config"
)

func tokenCmd() *cobra.Command {
	var (
		subject   string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a gateway subscriber token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Gateway.AuthSecret == "" {
				return fmt.Errorf("gateway.auth_secret is not configured; subscriber auth is disabled")
			}
			token, expiresAt, err := auth.GenerateToken(subject, cfg.Gateway.AuthSecret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", token)
			fmt.Printf("expires: %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "client name embedded in the token")
	cmd.Flags().DurationVar(&expiresIn, "expires", 24*time.Hour, "token lifetime")
	return cmd
}

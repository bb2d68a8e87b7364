package main

import (
	"fmt"
	"time"

	"freight-guard/internal/auth"
	"freight-guard/internal/config"
	"freight-guard/internal/rbac"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var flags struct {
		user string
		role string
		ttl  time.Duration
	}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a service or operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !rbac.Known(flags.role) {
				return fmt.Errorf("unknown role %q", flags.role)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			tok, err := m.Issue(time.Now(), flags.user, flags.role, flags.ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.user, "user", "", "user id (sub claim)")
	cmd.Flags().StringVar(&flags.role, "role", rbac.RoleSystem, "role claim")
	cmd.Flags().DurationVar(&flags.ttl, "ttl", 0, "token lifetime (default JWT_ACCESS_TTL)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

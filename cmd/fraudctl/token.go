package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudwatch/internal/auth"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/validation"
)

const maxNameLength = 100

func tokenCmd() *cobra.Command {
	var (
		role string
		user string
		name string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for the API and live channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			user = validation.SanitizeString(user, validation.MaxIDLength)
			name = validation.SanitizeString(name, maxNameLength)
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			if name == "" {
				name = user
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			tok, err := auth.NewIssuer(cfg.JWTSecret).Issue(auth.Principal{UserID: user, DisplayName: name, Role: r}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", string(auth.RoleViewer), "Role: admin or viewer")
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the user id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mail/internal/auth"
	"github.com/gotrs-io/gotrs-mail/internal/config"
)

var (
	tokenTTL   time.Duration
	tokenAdmin bool
)

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Issue an API token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(configDir); err != nil {
			return err
		}
		jwtCfg := config.Get().Auth.JWT
		if jwtCfg.Secret == "" {
			return fmt.Errorf("auth.jwt.secret is not configured")
		}

		var roles []string
		if tokenAdmin {
			roles = append(roles, auth.RoleSystemManager)
		}
		token, err := auth.NewJWTManager(jwtCfg.Secret, jwtCfg.Issuer, jwtCfg.Audience, tokenTTL).GenerateToken(args[0], roles...)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "system-manager", false, "Grant the System Manager role")
	rootCmd.AddCommand(tokenCmd)
}

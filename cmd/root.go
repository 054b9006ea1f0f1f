package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "keygate",
	Short: "OAuth 2.1 and OpenID Connect authorization server",
	Long: `Keygate is a self-contained authorization server with an integrated
identity store and role-based access control. It issues RS256-signed
tokens over the OAuth 2.1 authorization code, refresh token, and
client credentials grants.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("db-url", "", "Database connection URL (env: DATABASE_URL)")
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: SERVER_ADDR)")
	rootCmd.PersistentFlags().String("issuer", "", "Public base URL of this server (env: ISSUER)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: DEBUG)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

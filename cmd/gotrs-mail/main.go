package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mail/internal/version"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "gotrs-mail",
	Short: "GOTRS outgoing mail pipeline",
	Long: `GOTRS Mail composes, queues and transfers outgoing mail to the mail
server and tracks its delivery.

The API server and the task runner share one database; run both for a
complete installation.`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// a missing .env is fine
		_ = godotenv.Load()
		if !cmd.Flags().Changed("config-dir") {
			if dir := os.Getenv("CONFIG_DIR"); dir != "" {
				configDir = dir
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gotrs-mail %s\n", version.Full())
	},
}

func init() {
	defaultDir := os.Getenv("CONFIG_DIR")
	if defaultDir == "" {
		defaultDir = "./config"
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultDir, "Directory holding default.yaml and config.yaml")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

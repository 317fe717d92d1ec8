package main

import (
	"github.com/spf13/cobra"
)

// configPath is the optional YAML configuration file.
var configPath string

// rootCmd is the base command. Without a subcommand it runs the server.
var rootCmd = &cobra.Command{
	Use:   "mail2room",
	Short: "Bridge inbound email into chat rooms",
	Long: `mail2room accepts mail over SMTP, routes each recipient address to the
chat rooms configured for it and posts the message there.

Configuration is read from an optional YAML file and environment variables,
with environment variables taking precedence.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Path to YAML configuration file (optional)",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(versionCmd)
}

// Package commands implements the PocketClaw CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pocketclaw",
		Short: "PocketClaw - a chat assistant that acts on your connected apps",
		Long: `PocketClaw is a personal assistant that reads and acts on your apps
(Gmail, Calendar, Sheets, Notion, ...) on your behalf, from a chat bridge
or the terminal.

Examples:
  pocketclaw serve
  pocketclaw chat "What is on my calendar today?"
  pocketclaw connect +5511999999999 gmail
  pocketclaw status +5511999999999
  pocketclaw keys set OPENROUTER_API_KEY
  pocketclaw audit -n 50`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newStatusCmd(),
		newConnectCmd(),
		newKeysCmd(),
		newAuditCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

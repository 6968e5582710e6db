// Command dvmnbot watches Devman code reviews and reports them to a Telegram chat.
//
// Usage:
//
//	dvmnbot -c config.yaml               # run the bot
//	dvmnbot --chat-id -100123            # override the destination chat
//	dvmnbot validate -c config.yaml      # check config and secrets
//	dvmnbot version
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dvmnbot",
	Short: "Notify a Telegram chat about Devman code reviews",
	Long: `dvmnbot long-polls the Devman reviews API and sends a Telegram message
for every reviewed lesson.

Secrets come from the config file or the environment (a .env file in the
working directory is loaded first):
  DEVMAN_TOKEN, TELEGRAM_TOKEN, TELEGRAM_CHAT_ID`,
	SilenceUsage: true,
	RunE:         runBot,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to config file (json or yaml, optional)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.Flags().String("chat-id", "", "destination chat id (overrides TELEGRAM_CHAT_ID)")
	rootCmd.AddCommand(versionCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

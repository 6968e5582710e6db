package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dvmnbot/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and secrets without starting the bot",
	Long: `Validate reads the config file and the environment exactly like the bot
does and reports every problem it finds.

Exit codes:
  0 - config is valid
  1 - config is invalid (details on stderr)`,
	SilenceUsage: true,
	RunE:         runValidate,
}

func init() {
	validateCmd.Flags().String("chat-id", "", "destination chat id (overrides TELEGRAM_CHAT_ID)")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	chatID, _ := cmd.Flags().GetString("chat-id")

	if err := config.LoadDotenv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	m := config.NewConfigManager(cfgPath)
	cfg, err := m.Parse()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if s := strings.TrimSpace(chatID); s != "" {
		cfg.Telegram.ChatID = s
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	source := "environment only"
	if m.HasFile() {
		source = m.Path()
	}
	fmt.Fprintln(out, "Config is valid!")
	fmt.Fprintf(out, "  Source:        %s\n", source)
	fmt.Fprintf(out, "  Destination:   %s\n", cfg.Telegram.ChatID)
	fmt.Fprintf(out, "  Poll timeout:  %s\n", orDefault(cfg.Devman.PollTimeout, "95s"))
	fmt.Fprintf(out, "  Heartbeat:     %v\n", cfg.Heartbeat.Enabled)
	storage := "off"
	if cfg.Storage != nil && cfg.Storage.Driver != "" {
		storage = cfg.Storage.Driver
	}
	fmt.Fprintf(out, "  Storage:       %s\n", storage)
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

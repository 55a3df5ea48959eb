package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexiqai/live-gateway/internal/config"
	"github.com/lexiqai/live-gateway/internal/observability"
)

// version is set at build time
var version = "dev"

// cfg is loaded once before any subcommand runs
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "livechat",
	Short:         "Real-time voice and video sessions with a live model backend",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `livechat streams microphone audio (and optionally camera or screen frames)
to a live model backend and plays the spoken replies.

Configuration is read from the environment and an optional .env file.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded

		observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

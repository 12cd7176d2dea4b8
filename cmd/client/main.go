package main

import (
	"fmt"
	"os"

	"voicechat/pkg/config"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagServer   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "voicechat",
	Short: "Command-line client for voicechat rooms",
	Long: `voicechat joins voice rooms on a voicechat server. It sends an Ogg/Opus
file as the microphone and records every other member to its own Ogg file.`,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadClientConfig reads --config when given, otherwise the defaults with
// environment overrides. --server wins over both.
func loadClientConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagServer != "" {
		cfg.Client.ServerURL = flagServer
	}
	if err := cfg.Client.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config.yaml")
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "Signaling URL, e.g. ws://localhost:5000/ws")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level")
}

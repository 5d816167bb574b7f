package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "imagerouter",
	Short: "Image generation gateway with SSO credential rotation",
	Long:  "Image generation gateway that rotates a pool of Grok SSO credentials with daily quotas, cooldowns and bans.",
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("IMAGEROUTER_CONFIG", "imagerouter.yaml"), "Config YAML path")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

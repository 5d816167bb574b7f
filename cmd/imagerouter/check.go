package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ineyio/imagerouter"
)

func init() {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := imagerouter.LoadConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", configPath)
			fmt.Fprintf(out, "  tokens:       %d\n", len(cfg.Tokens))
			fmt.Fprintf(out, "  strategy:     %s\n", cfg.Strategy)
			fmt.Fprintf(out, "  max attempts: %d\n", cfg.MaxAttempts)
			fmt.Fprintf(out, "  store:        %s\n", cfg.Store.Driver)
			for _, t := range cfg.Tokens {
				fmt.Fprintf(out, "  - %s (%s)\n", imagerouter.TokenID(t.Secret), imagerouter.MaskSecret(t.Secret))
			}
			return nil
		},
	}
	rootCmd.AddCommand(checkCmd)
}

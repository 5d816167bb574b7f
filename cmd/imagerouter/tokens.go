package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/imagerouter"
)

func init() {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Print the state of every configured credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := imagerouter.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.pool.Snapshot(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tUSED\tLIMIT\tFAILURES\tAGE VERIFIED\tCOOLDOWN UNTIL\tLAST USED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%t\t%s\t%s\n",
					r.ID, r.Status, r.UsedToday, limitString(r.DailyLimit),
					r.ConsecutiveFailures, r.AgeVerified, timeString(r.CooldownUntil), timeString(r.LastUsedAt))
			}
			return w.Flush()
		},
	}
	rootCmd.AddCommand(tokensCmd)
}

func limitString(n int64) string {
	if n == 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

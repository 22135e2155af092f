package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/runlog"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List journaled training runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		store, err := runlog.Open(cmd.Context(), cfg.RunLog, newLogger(cfg.Telemetry.LogLevel))
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tNAME\tSTATUS\tSTARTED\tDURATION\tERROR")
		for _, r := range runs {
			dur := "-"
			if !r.FinishedAt.IsZero() {
				dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Name, r.Status, r.StartedAt.Local().Format(time.DateTime), dur, r.Error)
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	rootCmd.AddCommand(runsCmd)
}

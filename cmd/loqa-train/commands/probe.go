package commands

import (
	"encoding/json"
	"os"

	"github.com/loqalabs/loqa-dnn/internal/app"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Inspect a partition's manifest and feature dimensions",
	Long: `Read the manifest of a partition and probe its features through the
configured tools. Prints utterance, split and sample counts, the raw and
spliced feature dimensions, and the number of batches per epoch.

With --stats, normalization statistics are computed into the given path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		set, _ := cmd.Flags().GetString("set")
		if set == "" {
			set = cfg.Data.TrainName
		}
		stats, _ := cmd.Flags().GetString("stats")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		rep, err := app.Probe(ctx, cfg, set, stats, app.Deps{}, newLogger(cfg.Telemetry.LogLevel))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	probeCmd.Flags().String("set", "", "Partition name (default data.train_name)")
	probeCmd.Flags().String("stats", "", "Write normalization statistics to this path")
	rootCmd.AddCommand(probeCmd)
}

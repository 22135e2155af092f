package commands

import (
	"fmt"

	"github.com/loqalabs/loqa-dnn/internal/app"
	"github.com/spf13/cobra"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Manage the label cache",
}

var labelsImportCmd = &cobra.Command{
	Use:   "import [set...]",
	Short: "Import label files into the badger cache",
	Long: `Parse the configured label files and store them under labels.cache_dir,
one cache per partition. A cache whose fingerprint still matches its source
file is left untouched.

With no arguments both the training and dev partitions are imported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Labels.CacheDir == "" {
			return fmt.Errorf("labels.cache_dir must be set to import labels")
		}
		sets := args
		if len(sets) == 0 {
			sets = []string{cfg.Data.TrainName, cfg.Data.DevName}
		}
		logger := newLogger(cfg.Telemetry.LogLevel)

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		for _, set := range sets {
			store, closeStore, err := app.OpenLabels(ctx, cfg, set, logger)
			if err != nil {
				return fmt.Errorf("%s: %w", set, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d %s labels\n", set, store.Len(), store.Kind())
			if err := closeStore(); err != nil {
				return fmt.Errorf("%s: %w", set, err)
			}
		}
		return nil
	},
}

func init() {
	labelsCmd.AddCommand(labelsImportCmd)
	rootCmd.AddCommand(labelsCmd)
}

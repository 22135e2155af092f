package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/app"
	"github.com/loqalabs/loqa-dnn/internal/runtime"
	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run the training job",
	Long: `Evaluate the dev partition, then train epoch by epoch until the learning
rate falls below its minimum or the epoch limit is reached.

Health, readiness and Prometheus endpoints are served while the job runs.`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().Int("max-epochs", 0, "Override trainer.max_epochs")
	trainCmd.Flags().Bool("prefetch", false, "Read the next shard while the current one is consumed")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("max-epochs"); n > 0 {
		cfg.Trainer.MaxEpochs = n
	}
	if cmd.Flags().Changed("prefetch") {
		cfg.Batch.Prefetch, _ = cmd.Flags().GetBool("prefetch")
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt := runtime.New(cfg, logger)
	err = rt.Run(ctx, func(ctx context.Context) error {
		_, err := app.Train(ctx, cfg, app.Deps{}, logger)
		return err
	})
	if err != nil {
		logger.Error("training exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-dnn/internal/bus"
	"github.com/loqalabs/loqa-dnn/internal/protocol"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow progress published by a running job",
	Long: `Subscribe to <bus.subject_prefix>.> on bus.servers and print every step and
epoch report until interrupted. Point bus.servers at the embedded server of a
running job to follow it from another terminal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		client, err := bus.Connect(ctx, cfg.Bus, newLogger(cfg.Telemetry.LogLevel))
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		err = client.Subscribe(ctx, cfg.Bus.SubjectPrefix+".>", func(subject string, data []byte) {
			printReport(out, subject, data)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func printReport(w io.Writer, subject string, data []byte) {
	switch {
	case strings.HasSuffix(subject, "."+protocol.SubjectStepSuffix):
		var r protocol.StepReport
		if json.Unmarshal(data, &r) == nil {
			fmt.Fprintf(w, "%s %-5s %s epoch=%d step=%d avg_loss=%.4f %s=%d rate=%.1f/s peek_acc=%.3f\n",
				r.RunID, r.Phase, r.Set, r.Epoch, r.Step, r.AvgLoss, r.Units, r.Rows, r.RowsPerSec, r.PeekAccuracy)
			return
		}
	case strings.HasSuffix(subject, "."+protocol.SubjectEpochSuffix):
		var r protocol.EpochReport
		if json.Unmarshal(data, &r) == nil {
			verdict := "rejected"
			if r.Accepted {
				verdict = "accepted"
			}
			fmt.Fprintf(w, "%s epoch %d %s lr=%g train_loss=%.4f dev_loss=%.4f dev_acc=%.3f\n",
				r.RunID, r.Epoch, verdict, r.LearningRate, r.TrainLoss, r.DevLoss, r.DevAccuracy)
			return
		}
	}
	fmt.Fprintf(w, "%s %s\n", subject, data)
}

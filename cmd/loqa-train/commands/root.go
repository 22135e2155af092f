package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loqa-train",
	Short: "Batch generation and training driver for frame-level acoustic models",
	Long: `loqa-train streams spliced, normalized acoustic features out of external
feature tools, packs them into padded batches and drives a model through
epochs with learning-rate halving. Progress is logged, journaled in SQLite and
optionally published on NATS.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "loqa-dnn.yaml", "Path to configuration file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration named by --config. A missing file at the
// default path falls back to defaults plus environment overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return config.Load("")
		}
	}
	return config.Load(configPath)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

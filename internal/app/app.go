// Package app assembles the training job from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/loqalabs/loqa-dnn/internal/bus"
	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/loqalabs/loqa-dnn/internal/datagen"
	"github.com/loqalabs/loqa-dnn/internal/features"
	"github.com/loqalabs/loqa-dnn/internal/labels"
	"github.com/loqalabs/loqa-dnn/internal/manifest"
	"github.com/loqalabs/loqa-dnn/internal/natsserver"
	"github.com/loqalabs/loqa-dnn/internal/progress"
	"github.com/loqalabs/loqa-dnn/internal/runlog"
	"github.com/loqalabs/loqa-dnn/internal/trainer"
	"gopkg.in/yaml.v3"
)

// Deps overrides collaborators that are otherwise built from config.
type Deps struct {
	Reader features.Reader
	Model  trainer.Model
}

// OpenLabels returns the label store for partition set. With a cache dir the
// store lives in badger under <cache>/<set>; otherwise the text file is
// loaded into memory.
func OpenLabels(ctx context.Context, cfg config.Config, set string, log *slog.Logger) (labels.Store, func() error, error) {
	kind, err := labels.ParseKind(cfg.Labels.Kind)
	if err != nil {
		return nil, nil, err
	}
	path := cfg.Labels.Path
	if set != cfg.Data.TrainName && cfg.Labels.DevPath != "" {
		path = cfg.Labels.DevPath
	}
	if path == "" {
		return nil, nil, errors.New("labels.path must be set")
	}
	if cfg.Labels.CacheDir != "" {
		b, err := labels.OpenCached(ctx, filepath.Join(cfg.Labels.CacheDir, set), path, kind, log)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	mem, err := labels.LoadFile(path, kind)
	if err != nil {
		return nil, nil, err
	}
	log.Info("labels loaded", slog.String("path", path), slog.Int("labels", mem.Len()))
	return mem, func() error { return nil }, nil
}

func newReader(cfg config.Config, deps Deps, log *slog.Logger) (features.Reader, error) {
	if deps.Reader != nil {
		return deps.Reader, nil
	}
	return features.NewExec(cfg.Features, log.With(slog.String("component", "features")))
}

// openGenerator builds the generator of one partition along with the
// release function for its label store.
func openGenerator(ctx context.Context, cfg config.Config, set string, loop bool, reader features.Reader, log *slog.Logger) (*datagen.Generator, func(), error) {
	store, closeStore, err := OpenLabels(ctx, cfg, set, log)
	if err != nil {
		return nil, nil, fmt.Errorf("%s labels: %w", set, err)
	}
	man, err := manifest.Open(cfg.Data.Dir, set)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	gen, err := datagen.New(ctx, man, store, reader, datagen.FromConfig(cfg, set, loop), log)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return gen, func() {
		if err := gen.Close(); err != nil {
			log.Warn("generator cleanup failed", slog.String("set", set), slog.String("error", err.Error()))
		}
		if err := closeStore(); err != nil {
			log.Warn("label store close failed", slog.String("set", set), slog.String("error", err.Error()))
		}
	}, nil
}

// openBus starts the embedded server when configured and connects to it or
// to the configured servers.
func openBus(ctx context.Context, cfg config.Config, log *slog.Logger) (*bus.Client, func(), error) {
	busCfg := cfg.Bus
	var srv *natsserver.Server
	if opts, ok := natsserver.OptionsFromConfig(busCfg, cfg.RunName); ok {
		var err error
		if srv, err = natsserver.Start(opts, log); err != nil {
			return nil, nil, err
		}
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, log)
	if err != nil {
		srv.Shutdown()
		return nil, nil, err
	}
	return client, func() {
		client.Close()
		srv.Shutdown()
	}, nil
}

// Train runs a complete training job: initial dev pass, epochs with learning
// rate halving, and progress journaled and optionally published.
func Train(ctx context.Context, cfg config.Config, deps Deps, log *slog.Logger) (trainer.Summary, error) {
	journal, err := runlog.Open(ctx, cfg.RunLog, log)
	if err != nil {
		return trainer.Summary{}, err
	}
	defer journal.Close()

	redacted := cfg
	redacted.Bus.Password = ""
	redacted.Bus.Token = ""
	snapshot, err := yaml.Marshal(redacted)
	if err != nil {
		return trainer.Summary{}, fmt.Errorf("snapshot config: %w", err)
	}
	runID, err := journal.BeginRun(ctx, cfg.RunName, snapshot)
	if err != nil {
		return trainer.Summary{}, err
	}
	log = log.With(slog.String("run_id", runID))

	sum, runErr := train(ctx, cfg, deps, runID, journal, log)
	if err := journal.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil {
		log.Warn("failed to record run outcome", slog.String("error", err.Error()))
	}
	return sum, runErr
}

func train(ctx context.Context, cfg config.Config, deps Deps, runID string, journal *runlog.Store, log *slog.Logger) (trainer.Summary, error) {
	reporters := progress.Multi{progress.Logger{Log: log.With(slog.String("component", "progress"))}, journal}
	if cfg.Bus.Enabled {
		client, closeBus, err := openBus(ctx, cfg, log)
		if err != nil {
			return trainer.Summary{}, err
		}
		defer closeBus()
		reporters = append(reporters, progress.NewPublisher(client, cfg.Bus.SubjectPrefix, log))
	}

	reader, err := newReader(cfg, deps, log)
	if err != nil {
		return trainer.Summary{}, err
	}
	trainGen, closeTrain, err := openGenerator(ctx, cfg, cfg.Data.TrainName, false, reader, log)
	if err != nil {
		return trainer.Summary{}, err
	}
	defer closeTrain()
	devGen, closeDev, err := openGenerator(ctx, cfg, cfg.Data.DevName, false, reader, log)
	if err != nil {
		return trainer.Summary{}, err
	}
	defer closeDev()

	if devGen.FeatureDim() != trainGen.FeatureDim() {
		return trainer.Summary{}, fmt.Errorf("dev feature dim %d differs from train %d", devGen.FeatureDim(), trainGen.FeatureDim())
	}

	model := deps.Model
	if model == nil {
		model = trainer.NewMock(cfg.Batch.Replicas)
	}
	t := trainer.New(model, trainer.OptionsFromConfig(cfg.Trainer, runID), reporters, log)
	sum, err := t.Run(ctx, trainGen, devGen)
	if err != nil {
		return sum, err
	}
	log.Info("training complete",
		slog.Int("epochs", sum.Epochs),
		slog.Int("accepted", sum.Accepted),
		slog.Float64("initial_dev_loss", sum.InitialDevLoss),
		slog.Float64("best_dev_loss", sum.BestDevLoss),
		slog.Float64("final_learning_rate", sum.FinalRate),
		slog.String("checkpoint", sum.Checkpoint),
	)
	return sum, nil
}

// ProbeReport is what the probe command prints.
type ProbeReport struct {
	Set        string `json:"set"`
	Utterances int    `json:"utterances"`
	Splits     int    `json:"splits"`
	Samples    int64  `json:"samples"`
	Probed     int    `json:"probed"`
	RawDim     int    `json:"raw_dim"`
	FeatureDim int    `json:"feature_dim"`
	BatchSize  int    `json:"batch_size"`
	NumBatches int64  `json:"num_batches"`
	Stats      string `json:"stats,omitempty"`
}

// Probe inspects a partition without training: manifest counts, feature
// dimensions and, when stats is set, normalization statistics.
func Probe(ctx context.Context, cfg config.Config, set, stats string, deps Deps, log *slog.Logger) (ProbeReport, error) {
	man, err := manifest.Open(cfg.Data.Dir, set)
	if err != nil {
		return ProbeReport{}, err
	}
	reader, err := newReader(cfg, deps, log)
	if err != nil {
		return ProbeReport{}, err
	}
	res, err := reader.Probe(ctx, features.ProbeRequest{
		ScpPath:   man.ListPath,
		Limit:     cfg.Features.ProbeLimit,
		StatsPath: stats,
	})
	if err != nil {
		return ProbeReport{}, err
	}
	dim, err := features.OutputDim(res.RawDim, cfg.Features.FeatType, cfg.Features.ContextWidth)
	if err != nil {
		return ProbeReport{}, err
	}
	batchSize := cfg.Batch.BatchSize * cfg.Batch.Replicas
	return ProbeReport{
		Set:        set,
		Utterances: man.NumUtts,
		Splits:     man.NumSplits(),
		Samples:    man.NumSamples,
		Probed:     res.Utterances,
		RawDim:     res.RawDim,
		FeatureDim: dim,
		BatchSize:  batchSize,
		NumBatches: man.NumSamples / int64(batchSize),
		Stats:      stats,
	}, nil
}

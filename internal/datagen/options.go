package datagen

import (
	"path/filepath"

	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/loqalabs/loqa-dnn/internal/dataerr"
	"github.com/loqalabs/loqa-dnn/internal/features"
)

// Remainder policies for the rows left over at the end of a pass.
const (
	RemainderDrop = "drop"
	RemainderPad  = "pad"
)

// Options configures one generator instance.
type Options struct {
	ExpDir string
	TmpDir string

	FeatType     string
	ContextWidth int
	ProbeLimit   int
	// StatsPath is handed to every shard read for normalization.
	StatsPath string
	// ComputeStats makes construction write StatsPath from the probe.
	ComputeStats bool

	BatchSize int
	Replicas  int
	MaxLength int

	Seed    int64
	Shuffle bool
	Loop    bool

	Remainder         string
	ResetClearsWindow bool
	Prefetch          bool
}

// FromConfig builds the options for the partition name. The training
// partition computes normalization statistics; others reuse them.
func FromConfig(cfg config.Config, name string, loop bool) Options {
	stats := cfg.Features.CMVNStats
	if stats == "" {
		stats = filepath.Join(cfg.Data.ExpDir, "cmvn.mat")
	}
	if !cfg.Features.ApplyCMVN {
		stats = ""
	}
	return Options{
		ExpDir:            cfg.Data.ExpDir,
		TmpDir:            cfg.Data.TmpDir,
		FeatType:          cfg.Features.FeatType,
		ContextWidth:      cfg.Features.ContextWidth,
		ProbeLimit:        cfg.Features.ProbeLimit,
		StatsPath:         stats,
		ComputeStats:      stats != "" && name == cfg.Data.TrainName,
		BatchSize:         cfg.Batch.BatchSize,
		Replicas:          cfg.Batch.Replicas,
		MaxLength:         cfg.Batch.MaxLength,
		Seed:              cfg.Batch.Seed,
		Shuffle:           cfg.Batch.Shuffle,
		Loop:              loop,
		Remainder:         cfg.Batch.Remainder,
		ResetClearsWindow: cfg.Batch.ResetClearsWindow,
		Prefetch:          cfg.Batch.Prefetch,
	}
}

func (o *Options) validate() error {
	if _, err := features.Multiplier(o.FeatType); err != nil {
		return err
	}
	if o.BatchSize <= 0 {
		return &dataerr.ConfigError{Field: "batch.batch_size", Reason: "must be positive"}
	}
	if o.Replicas <= 0 {
		return &dataerr.ConfigError{Field: "batch.replicas", Reason: "must be positive"}
	}
	if o.MaxLength <= 0 {
		return &dataerr.ConfigError{Field: "batch.max_length", Reason: "must be positive"}
	}
	if o.ContextWidth < 0 {
		return &dataerr.ConfigError{Field: "features.context_width", Reason: "must be >= 0"}
	}
	switch o.Remainder {
	case RemainderDrop, RemainderPad:
	case "":
		o.Remainder = RemainderDrop
	default:
		return &dataerr.ConfigError{Field: "batch.remainder", Reason: "unknown policy " + o.Remainder}
	}
	if o.ExpDir == "" {
		return &dataerr.ConfigError{Field: "data.exp_dir", Reason: "must not be empty"}
	}
	return nil
}

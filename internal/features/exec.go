package features

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/loqalabs/loqa-dnn/internal/dataerr"
	"github.com/loqalabs/loqa-dnn/internal/kaldiio"
	"github.com/loqalabs/loqa-dnn/internal/manifest"
	"github.com/mattn/go-shellwords"
)

// Exec runs the external feature tools for every shard:
//
//	copy-feats | add-deltas  ->  splice-feats  ->  apply-cmvn
type Exec struct {
	cfg       config.FeaturesConfig
	copyFeats []string
	addDeltas []string
	splice    []string
	applyCMVN []string
	cmvnStats []string
	deltaOpts []string
	timeout   time.Duration
	log       *slog.Logger
}

func NewExec(cfg config.FeaturesConfig, log *slog.Logger) (*Exec, error) {
	if _, err := Multiplier(cfg.FeatType); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Exec{cfg: cfg, timeout: time.Duration(cfg.ShardTimeoutMS) * time.Millisecond, log: log}
	parser := shellwords.NewParser()
	tools := []struct {
		field string
		cmd   string
		dst   *[]string
	}{
		{"features.tools.copy_feats", cfg.Tools.CopyFeats, &e.copyFeats},
		{"features.tools.add_deltas", cfg.Tools.AddDeltas, &e.addDeltas},
		{"features.tools.splice_feats", cfg.Tools.SpliceFeats, &e.splice},
		{"features.tools.apply_cmvn", cfg.Tools.ApplyCMVN, &e.applyCMVN},
		{"features.tools.compute_cmvn_stats", cfg.Tools.ComputeCMVNStat, &e.cmvnStats},
	}
	for _, tool := range tools {
		args, err := parser.Parse(tool.cmd)
		if err != nil {
			return nil, &dataerr.ConfigError{Field: tool.field, Reason: "cannot parse command", Err: err}
		}
		if len(args) == 0 {
			return nil, &dataerr.ConfigError{Field: tool.field, Reason: "command is empty"}
		}
		*tool.dst = args
	}
	if cfg.DeltaOpts != "" {
		opts, err := parser.Parse(cfg.DeltaOpts)
		if err != nil {
			return nil, &dataerr.ConfigError{Field: "features.delta_opts", Reason: "cannot parse options", Err: err}
		}
		e.deltaOpts = opts
	}
	return e, nil
}

func command(base []string, extra ...string) []string {
	argv := append([]string{}, base...)
	return append(argv, extra...)
}

// source is the first stage: format conversion, or delta expansion which
// converts as it goes.
func (e *Exec) source(list string) stage {
	if e.cfg.FeatType == TypeDelta {
		argv := command(e.addDeltas, e.deltaOpts...)
		return stage{name: "add-deltas", argv: append(argv, "scp:"+list, "ark:-")}
	}
	return stage{name: "copy-feats", argv: command(e.copyFeats, "scp:"+list, "ark:-")}
}

func (e *Exec) spliceStage() stage {
	c := strconv.Itoa(e.cfg.ContextWidth)
	return stage{name: "splice-feats", argv: command(e.splice,
		"--left-context="+c, "--right-context="+c, "ark:-", "ark:-")}
}

func (e *Exec) shardStages(list, stats string) []stage {
	stages := []stage{e.source(list), e.spliceStage()}
	if e.cfg.ApplyCMVN && stats != "" {
		stages = append(stages, stage{name: "apply-cmvn",
			argv: command(e.applyCMVN, "--norm-vars=true", stats, "ark:-", "ark:-")})
	}
	return stages
}

func (e *Exec) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// failure turns a pipeline error into the error the caller sees. Parent
// cancellation is reported as such, not as a pipeline failure.
func (e *Exec) failure(ctx, runCtx context.Context, shard, stage string, err error, stderr string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &dataerr.FeaturePipelineError{
			Shard:  shard,
			Stage:  stage,
			Err:    fmt.Errorf("shard exceeded %s: %w", e.timeout, context.DeadlineExceeded),
			Stderr: stderr,
		}
	}
	if se, ok := asStageError(err); ok {
		if se.stderr != "" {
			stderr = se.stderr
		}
		return &dataerr.FeaturePipelineError{Shard: shard, Stage: se.stage, Err: se.err, Stderr: stderr}
	}
	return &dataerr.FeaturePipelineError{Shard: shard, Stage: stage, Err: err, Stderr: stderr}
}

// ReadShard streams the normalized, spliced features of one shard.
func (e *Exec) ReadShard(ctx context.Context, shard manifest.Shard, stats string) iter.Seq2[Utterance, error] {
	return func(yield func(Utterance, error) bool) {
		runCtx, cancel := e.runContext(ctx)
		defer cancel()

		name := shard.String()
		stages := e.shardStages(shard.Path, stats)
		e.log.Debug("feature pipeline starting", slog.String("shard", name), slog.Int("stages", len(stages)))
		p, err := startPipeline(runCtx, stages)
		if err != nil {
			yield(Utterance{}, e.failure(ctx, runCtx, name, "", err, ""))
			return
		}

		r := kaldiio.NewReader(p.out)
		for {
			key, m, err := r.Next()
			if errors.Is(err, io.EOF) {
				if err := p.wait(); err != nil {
					yield(Utterance{}, e.failure(ctx, runCtx, name, "", err, ""))
				}
				return
			}
			if err != nil {
				p.abort()
				yield(Utterance{}, e.failure(ctx, runCtx, name, "parse", err, p.stderr()))
				return
			}
			if !yield(Utterance{ID: key, Feats: m}, nil) {
				p.abort()
				return
			}
		}
	}
}

// Probe reads the raw dimension from the head of req.ScpPath and, when
// req.StatsPath is set, computes normalization statistics over the same head.
func (e *Exec) Probe(ctx context.Context, req ProbeRequest) (ProbeResult, error) {
	dir, err := os.MkdirTemp("", "loqa-probe-")
	if err != nil {
		return ProbeResult{}, fmt.Errorf("create probe dir: %w", err)
	}
	defer os.RemoveAll(dir)

	head := filepath.Join(dir, "head.scp")
	n, err := manifest.WriteHead(req.ScpPath, head, req.Limit)
	if err != nil {
		return ProbeResult{}, &dataerr.ConfigError{Field: "probe.scp", Reason: "cannot read " + req.ScpPath, Err: err}
	}
	if n == 0 {
		return ProbeResult{}, &dataerr.ConfigError{Field: "probe.scp", Reason: req.ScpPath + " lists no utterances"}
	}
	res := ProbeResult{Utterances: n}

	dim, err := e.rawDim(ctx, head)
	if err != nil {
		return ProbeResult{}, err
	}
	res.RawDim = dim

	if req.StatsPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.StatsPath), 0o755); err != nil {
			return ProbeResult{}, fmt.Errorf("create stats dir: %w", err)
		}
		if err := e.computeStats(ctx, head, req.StatsPath); err != nil {
			return ProbeResult{}, err
		}
	}
	e.log.Info("feature probe complete",
		slog.Int("utterances", n),
		slog.Int("raw_dim", dim),
		slog.String("stats", req.StatsPath),
	)
	return res, nil
}

// rawDim reads the first record of the source stage and stops it.
func (e *Exec) rawDim(ctx context.Context, list string) (int, error) {
	runCtx, cancel := e.runContext(ctx)
	defer cancel()

	src := stage{name: "copy-feats", argv: command(e.copyFeats, "scp:"+list, "ark:-")}
	p, err := startPipeline(runCtx, []stage{src})
	if err != nil {
		return 0, e.failure(ctx, runCtx, "probe", "", err, "")
	}
	_, m, err := kaldiio.NewReader(p.out).Next()
	if err == nil {
		p.abort()
		return m.Cols, nil
	}
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil {
			return 0, e.failure(ctx, runCtx, "probe", "", werr, "")
		}
		return 0, &dataerr.FeaturePipelineError{Shard: "probe", Stage: src.name, Err: errors.New("no records produced")}
	}
	p.abort()
	return 0, e.failure(ctx, runCtx, "probe", "parse", err, p.stderr())
}

func (e *Exec) computeStats(ctx context.Context, list, statsPath string) error {
	runCtx, cancel := e.runContext(ctx)
	defer cancel()

	stages := []stage{
		e.source(list),
		e.spliceStage(),
		{name: "compute-cmvn-stats", argv: command(e.cmvnStats, "ark:-", statsPath)},
	}
	p, err := startPipeline(runCtx, stages)
	if err != nil {
		return e.failure(ctx, runCtx, "probe", "", err, "")
	}
	if _, err := io.Copy(io.Discard, p.out); err != nil {
		p.abort()
		return e.failure(ctx, runCtx, "probe", "compute-cmvn-stats", err, p.stderr())
	}
	if err := p.wait(); err != nil {
		return e.failure(ctx, runCtx, "probe", "", err, "")
	}
	return nil
}

// Package datagen turns pre-split feature shards into fixed-shape padded
// batches. Shards are read one at a time; a window carries the rows that did
// not fill a batch into the next request.
package datagen

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/batch"
	"github.com/loqalabs/loqa-dnn/internal/dataerr"
	"github.com/loqalabs/loqa-dnn/internal/features"
	"github.com/loqalabs/loqa-dnn/internal/labels"
	"github.com/loqalabs/loqa-dnn/internal/manifest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Generator is not safe for concurrent use. Next, Reset and Close must be
// called from one goroutine.
type Generator struct {
	name   string
	opts   Options
	log    *slog.Logger
	reader features.Reader
	store  labels.Store
	man    *manifest.Manifest
	staged *manifest.Staged
	tracer trace.Tracer

	rawDim    int
	featDim   int
	batchSize int
	kind      labels.Kind

	window    *batch.Window
	rows      atomic.Int64
	cursor    int
	lastCount int

	base    context.Context
	stop    context.CancelFunc
	pending *prefetch
	metrics *metrics
}

// New stages the manifest, probes the feature dimension and returns a
// generator positioned at the first shard. Unsupported feature types and
// unusable manifests fail with *dataerr.ConfigError.
func New(ctx context.Context, man *manifest.Manifest, store labels.Store, reader features.Reader, opts Options, log *slog.Logger) (*Generator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if man == nil || man.NumSplits() < 1 {
		return nil, &dataerr.ConfigError{Field: "manifest.num_split", Reason: "need at least one split"}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With(slog.String("component", "datagen"), slog.String("set", man.Name))

	staged, err := man.Stage(opts.ExpDir, opts.TmpDir)
	if err != nil {
		return nil, fmt.Errorf("stage %s splits: %w", man.Name, err)
	}

	req := features.ProbeRequest{ScpPath: staged.ListPath, Limit: opts.ProbeLimit}
	if opts.ComputeStats {
		req.StatsPath = opts.StatsPath
	}
	probe, err := reader.Probe(ctx, req)
	if err != nil {
		staged.Close()
		return nil, err
	}
	featDim, err := features.OutputDim(probe.RawDim, opts.FeatType, opts.ContextWidth)
	if err != nil {
		staged.Close()
		return nil, err
	}
	if featDim <= 0 {
		staged.Close()
		return nil, &dataerr.ConfigError{Field: "features", Reason: fmt.Sprintf("probe reported raw dim %d", probe.RawDim)}
	}

	kind := store.Kind()
	width := 1
	if kind == labels.KindFrame {
		width = opts.MaxLength
	}

	base, stop := context.WithCancel(context.WithoutCancel(ctx))
	g := &Generator{
		name:      man.Name,
		opts:      opts,
		log:       log,
		reader:    reader,
		store:     store,
		man:       man,
		staged:    staged,
		tracer:    otel.Tracer(instrumentation),
		rawDim:    probe.RawDim,
		featDim:   featDim,
		batchSize: opts.BatchSize * opts.Replicas,
		kind:      kind,
		window:    batch.NewWindow(opts.MaxLength, featDim, width),
		base:      base,
		stop:      stop,
	}
	if g.metrics, err = newMetrics(man.Name, g.rows.Load); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if opts.Shuffle {
		log.Warn("shuffle requested; batches follow manifest order, shuffle the splits upstream",
			slog.Int64("seed", opts.Seed))
	}
	log.Info("generator ready",
		slog.Int("splits", man.NumSplits()),
		slog.Int("utterances", man.NumUtts),
		slog.Int64("samples", man.NumSamples),
		slog.Int("raw_dim", probe.RawDim),
		slog.Int("feat_dim", featDim),
		slog.Int("batch_size", g.batchSize),
		slog.Bool("loop", opts.Loop),
		slog.String("labels", string(kind)),
	)
	return g, nil
}

// HasMoreData reports whether Next may still return a batch.
func (g *Generator) HasMoreData() bool {
	avail := g.window.Available()
	if g.opts.Loop || g.cursor < len(g.staged.Shards) || avail >= g.batchSize {
		return true
	}
	return g.opts.Remainder == RemainderPad && avail > 0
}

// Next returns the next full batch. At the end of a non-looping pass it
// returns io.EOF, and keeps returning io.EOF until Reset. With the pad
// remainder policy the leftover rows come first as one padded batch.
func (g *Generator) Next(ctx context.Context) (*batch.Batch, error) {
	for {
		if b := g.window.Take(g.batchSize); b != nil {
			return g.emit(ctx, b), nil
		}
		if !g.opts.Loop && g.cursor >= len(g.staged.Shards) {
			if g.opts.Remainder == RemainderPad {
				if b := g.window.Drain(g.batchSize); b != nil {
					return g.emit(ctx, b), nil
				}
			}
			return nil, io.EOF
		}
		if err := g.load(ctx); err != nil {
			return nil, err
		}
	}
}

func (g *Generator) emit(ctx context.Context, b *batch.Batch) *batch.Batch {
	g.rows.Store(int64(g.window.Available()))
	g.lastCount = b.Valid
	g.metrics.batch(ctx)
	return b
}

// load reads the shard under the cursor into the window and advances the
// cursor, wrapping when looping.
func (g *Generator) load(ctx context.Context) error {
	shard := g.staged.Shards[g.cursor]
	b, err := g.fetch(ctx, shard)
	if err != nil {
		return err
	}
	if err := g.window.Append(b); err != nil {
		return &dataerr.DataIntegrityError{Shard: shard.String(), Reason: err.Error()}
	}
	g.rows.Store(int64(g.window.Available()))
	g.cursor++
	if g.opts.Loop && g.cursor == len(g.staged.Shards) {
		g.cursor = 0
	}
	if g.opts.Prefetch && (g.opts.Loop || g.cursor < len(g.staged.Shards)) {
		g.startPrefetch(g.staged.Shards[g.cursor])
	}
	return nil
}

// readShard reads and packs one shard. It touches no window state and may
// run on the prefetch goroutine.
func (g *Generator) readShard(ctx context.Context, shard manifest.Shard) (*batch.Batch, error) {
	ctx, span := g.tracer.Start(ctx, "datagen.read_shard", trace.WithAttributes(
		attribute.String("set", g.name),
		attribute.Int("shard", shard.Index),
	))
	defer span.End()

	start := time.Now()
	var (
		examples []batch.Example
		skipped  int
	)
	for u, err := range g.reader.ReadShard(ctx, shard, g.opts.StatsPath) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			return nil, err
		}
		label, ok, err := g.store.Lookup(u.ID)
		if err != nil {
			err := &dataerr.DataIntegrityError{Shard: shard.String(), Reason: err.Error()}
			span.RecordError(err)
			span.SetStatus(codes.Error, "label lookup failed")
			return nil, err
		}
		if !ok {
			skipped++
			continue
		}
		if g.kind == labels.KindFrame && len(label.Frames) != u.Feats.Rows {
			err := &dataerr.DataIntegrityError{
				Shard:  shard.String(),
				Reason: fmt.Sprintf("utterance %s has %d frame labels for %d frames", u.ID, len(label.Frames), u.Feats.Rows),
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "frame label mismatch")
			return nil, err
		}
		if u.Feats.Cols != g.featDim {
			err := &dataerr.DataIntegrityError{
				Shard:  shard.String(),
				Reason: fmt.Sprintf("utterance %s has dim %d, expected %d", u.ID, u.Feats.Cols, g.featDim),
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "dim mismatch")
			return nil, err
		}
		examples = append(examples, batch.Example{ID: u.ID, Feats: u.Feats, Label: label})
	}
	if len(examples) == 0 {
		err := &dataerr.DataIntegrityError{
			Shard:  shard.String(),
			Reason: "no feats loaded, check that features and labels are matched",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty shard")
		return nil, err
	}
	b, err := batch.Pack(examples, g.opts.MaxLength, g.featDim, g.kind)
	if err != nil {
		return nil, &dataerr.DataIntegrityError{Shard: shard.String(), Reason: err.Error()}
	}
	elapsed := time.Since(start)
	g.metrics.shardRead(ctx, len(examples), skipped, elapsed)
	span.SetAttributes(attribute.Int("utterances", len(examples)), attribute.Int("skipped", skipped))
	g.log.Debug("shard loaded",
		slog.String("shard", shard.String()),
		slog.Int("utterances", len(examples)),
		slog.Int("skipped", skipped),
		slog.Duration("elapsed", elapsed),
	)
	return b, nil
}

// Reset rewinds the cursor to the first shard. Leftover rows stay in the
// window unless ResetClearsWindow is set.
func (g *Generator) Reset() {
	g.cancelPrefetch()
	g.cursor = 0
	if g.opts.ResetClearsWindow {
		g.window.Clear()
		g.rows.Store(0)
	}
}

// BatchSize is the configured batch size times the replica count.
func (g *Generator) BatchSize() int { return g.batchSize }

func (g *Generator) FeatureDim() int { return g.featDim }

func (g *Generator) RawDim() int { return g.rawDim }

func (g *Generator) Name() string { return g.name }

func (g *Generator) NumSplits() int { return len(g.staged.Shards) }

// NumBatches estimates batches per pass from the manifest sample count.
func (g *Generator) NumBatches() int64 { return g.man.NumSamples / int64(g.batchSize) }

// LastBatchCount is the number of real rows in the last returned batch.
func (g *Generator) LastBatchCount() int { return g.lastCount }

// Units names what a batch row counts.
func (g *Generator) Units() string { return "utts" }

// Close stops any prefetch and removes the staged split copies.
func (g *Generator) Close() error {
	g.cancelPrefetch()
	g.stop()
	g.metrics.close()
	return g.staged.Close()
}

// Package trainer drives a model over batch sources: one optimization step
// per batch, periodic peek accuracy, and learning-rate halving across epochs.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/batch"
	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/loqalabs/loqa-dnn/internal/progress"
	"github.com/loqalabs/loqa-dnn/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoSteps is returned when a pass ends before a single batch was seen.
var ErrNoSteps = errors.New("trainer: pass completed zero steps")

// Model is the network being trained.
type Model interface {
	// Step runs one optimization step and returns the batch loss.
	Step(ctx context.Context, b *batch.Batch, lr float64) (float64, error)
	Loss(ctx context.Context, b *batch.Batch) (float64, error)
	// Correct returns the number of correctly classified rows of b.
	Correct(ctx context.Context, b *batch.Batch) (float64, error)
}

// Checkpointer is implemented by models that can persist their parameters.
type Checkpointer interface {
	Save(ctx context.Context, path string) error
	Restore(ctx context.Context, path string) error
}

// Source yields batches until io.EOF; Reset rewinds it for the next pass.
type Source interface {
	Next(ctx context.Context) (*batch.Batch, error)
	Reset()
	BatchSize() int
	Units() string
	Name() string
}

type Options struct {
	RunID           string
	LearningRate    float64
	MinLearningRate float64
	HalvingFactor   float64
	MaxEpochs       int
	EvalEvery       int
	CheckpointDir   string
}

func OptionsFromConfig(cfg config.TrainerConfig, runID string) Options {
	return Options{
		RunID:           runID,
		LearningRate:    cfg.LearningRate,
		MinLearningRate: cfg.MinLearningRate,
		HalvingFactor:   cfg.HalvingFactor,
		MaxEpochs:       cfg.MaxEpochs,
		EvalEvery:       cfg.EvalEvery,
		CheckpointDir:   cfg.CheckpointDir,
	}
}

// Result summarizes one pass over a source.
type Result struct {
	AvgLoss      float64
	Rows         int64
	Units        string
	Steps        int
	Duration     time.Duration
	PeekAccuracy float64
}

// Summary describes a complete Run.
type Summary struct {
	Epochs         int
	InitialDevLoss float64
	BestDevLoss    float64
	FinalRate      float64
	Accepted       int
	Checkpoint     string
}

type Trainer struct {
	model    Model
	opts     Options
	reporter progress.Reporter
	log      *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time

	steps metric.Int64Counter
	rows  metric.Int64Counter
}

func New(model Model, opts Options, reporter progress.Reporter, log *slog.Logger) *Trainer {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	if opts.EvalEvery <= 0 {
		opts.EvalEvery = 1000
	}
	t := &Trainer{
		model:    model,
		opts:     opts,
		reporter: reporter,
		log:      log.With(slog.String("component", "trainer")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-dnn/internal/trainer"),
		clock:    time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-dnn/internal/trainer")
	var err error
	if t.steps, err = meter.Int64Counter("loqa.trainer.steps", metric.WithDescription("Batches processed")); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if t.rows, err = meter.Int64Counter("loqa.trainer.rows", metric.WithDescription("Rows processed")); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return t
}

// Train runs one epoch of optimization steps at rate lr.
func (t *Trainer) Train(ctx context.Context, src Source, lr float64, epoch int) (Result, error) {
	return t.pass(ctx, src, protocol.PhaseTrain, lr, epoch)
}

// Test computes the average loss over src without updating the model.
func (t *Trainer) Test(ctx context.Context, src Source, epoch int) (Result, error) {
	return t.pass(ctx, src, protocol.PhaseTest, 0, epoch)
}

func (t *Trainer) pass(ctx context.Context, src Source, phase string, lr float64, epoch int) (Result, error) {
	ctx, span := t.tracer.Start(ctx, "trainer."+phase, trace.WithAttributes(
		attribute.String("set", src.Name()),
		attribute.Int("epoch", epoch),
	))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("phase", phase), attribute.String("set", src.Name()))
	start := t.clock()
	var (
		sumLoss  float64
		rows     int64
		steps    int
		accSum   float64
		accRows  float64
		lastPeek float64
	)
	for {
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return Result{}, err
		}

		var loss float64
		if phase == protocol.PhaseTrain {
			loss, err = t.model.Step(ctx, b, lr)
		} else {
			loss, err = t.model.Loss(ctx, b)
		}
		if err != nil {
			span.RecordError(err)
			return Result{}, fmt.Errorf("%s step %d: %w", phase, steps+1, err)
		}
		sumLoss += loss
		rows += int64(b.Valid)
		steps++
		if t.steps != nil {
			t.steps.Add(ctx, 1, attrs)
			t.rows.Add(ctx, int64(b.Valid), attrs)
		}

		if steps == 1 || steps%t.opts.EvalEvery == 0 {
			correct, err := t.model.Correct(ctx, b)
			if err != nil {
				return Result{}, fmt.Errorf("%s accuracy at step %d: %w", phase, steps, err)
			}
			accSum += correct
			accRows += float64(b.Valid)
			if b.Valid > 0 {
				lastPeek = correct / float64(b.Valid)
			}
			elapsed := t.clock().Sub(start)
			t.report(ctx, protocol.StepReport{
				RunID:        t.opts.RunID,
				Set:          src.Name(),
				Phase:        phase,
				Epoch:        epoch,
				Step:         steps,
				AvgLoss:      sumLoss / float64(steps),
				Rows:         rows,
				Units:        src.Units(),
				RowsPerSec:   perSecond(rows, elapsed),
				PeekAccuracy: lastPeek,
				Timestamp:    t.clock(),
			})
		}
	}
	if steps == 0 {
		span.RecordError(ErrNoSteps)
		return Result{}, fmt.Errorf("%s on %s: %w", phase, src.Name(), ErrNoSteps)
	}
	src.Reset()

	res := Result{
		AvgLoss:  sumLoss / float64(steps),
		Rows:     rows,
		Units:    src.Units(),
		Steps:    steps,
		Duration: t.clock().Sub(start),
	}
	if accRows > 0 {
		res.PeekAccuracy = accSum / accRows
	}
	t.log.Info("pass complete",
		slog.String("phase", phase),
		slog.String("set", src.Name()),
		slog.Int("epoch", epoch),
		slog.Float64("avg_loss", res.AvgLoss),
		slog.Int64(res.Units, res.Rows),
		slog.Int("steps", steps),
		slog.Duration("elapsed", res.Duration),
		slog.Float64("rows_per_sec", perSecond(rows, res.Duration)),
		slog.Float64("peek_accuracy", res.PeekAccuracy),
	)
	return res, nil
}

// Run evaluates dev once, then trains epoch by epoch. An epoch that does not
// lower the dev loss is rejected: the last accepted checkpoint is restored
// when the model supports it and the learning rate is scaled by the halving
// factor. Training stops after MaxEpochs or once the rate falls below
// MinLearningRate.
func (t *Trainer) Run(ctx context.Context, train, dev Source) (Summary, error) {
	initial, err := t.Test(ctx, dev, 0)
	if err != nil {
		return Summary{}, fmt.Errorf("initial dev pass: %w", err)
	}
	sum := Summary{InitialDevLoss: initial.AvgLoss, BestDevLoss: initial.AvgLoss}
	lr := t.opts.LearningRate

	cp, canSave := t.model.(Checkpointer)
	canSave = canSave && t.opts.CheckpointDir != ""
	if canSave {
		if err := os.MkdirAll(t.opts.CheckpointDir, 0o755); err != nil {
			return Summary{}, fmt.Errorf("create checkpoint dir: %w", err)
		}
		path := t.checkpointPath(0)
		if err := cp.Save(ctx, path); err != nil {
			return Summary{}, fmt.Errorf("save initial checkpoint: %w", err)
		}
		sum.Checkpoint = path
	}

	for epoch := 1; epoch <= t.opts.MaxEpochs; epoch++ {
		tr, err := t.Train(ctx, train, lr, epoch)
		if err != nil {
			return sum, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		dv, err := t.Test(ctx, dev, epoch)
		if err != nil {
			return sum, fmt.Errorf("epoch %d dev pass: %w", epoch, err)
		}
		sum.Epochs = epoch

		accepted := dv.AvgLoss < sum.BestDevLoss
		t.report(ctx, protocol.EpochReport{
			RunID:        t.opts.RunID,
			Epoch:        epoch,
			LearningRate: lr,
			TrainLoss:    tr.AvgLoss,
			DevLoss:      dv.AvgLoss,
			DevAccuracy:  dv.PeekAccuracy,
			Accepted:     accepted,
			Timestamp:    t.clock(),
		})

		if accepted {
			sum.BestDevLoss = dv.AvgLoss
			sum.Accepted++
			if canSave {
				path := t.checkpointPath(epoch)
				if err := cp.Save(ctx, path); err != nil {
					return sum, fmt.Errorf("save checkpoint: %w", err)
				}
				sum.Checkpoint = path
			}
		} else {
			if canSave {
				if err := cp.Restore(ctx, sum.Checkpoint); err != nil {
					return sum, fmt.Errorf("restore %s: %w", sum.Checkpoint, err)
				}
			}
			lr *= t.opts.HalvingFactor
			t.log.Info("epoch rejected, halving learning rate",
				slog.Int("epoch", epoch),
				slog.Float64("dev_loss", dv.AvgLoss),
				slog.Float64("best_dev_loss", sum.BestDevLoss),
				slog.Float64("learning_rate", lr),
			)
		}
		if lr < t.opts.MinLearningRate {
			t.log.Info("learning rate below minimum, stopping",
				slog.Float64("learning_rate", lr),
				slog.Float64("min_learning_rate", t.opts.MinLearningRate),
			)
			break
		}
	}
	sum.FinalRate = lr
	return sum, nil
}

func (t *Trainer) checkpointPath(epoch int) string {
	return filepath.Join(t.opts.CheckpointDir, fmt.Sprintf("epoch%03d.ckpt", epoch))
}

func (t *Trainer) report(ctx context.Context, r any) {
	var err error
	switch v := r.(type) {
	case protocol.StepReport:
		err = t.reporter.ReportStep(ctx, v)
	case protocol.EpochReport:
		err = t.reporter.ReportEpoch(ctx, v)
	}
	if err != nil {
		t.log.Warn("progress report failed", slog.String("error", err.Error()))
	}
}

func perSecond(rows int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(rows) / d.Seconds()
}

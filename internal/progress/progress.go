// Package progress fans training progress out to interested sinks.
package progress

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-dnn/internal/bus"
	"github.com/loqalabs/loqa-dnn/internal/protocol"
)

// Reporter receives progress as a run advances. Implementations must not
// block training for long; errors are logged by the caller and never abort
// a run.
type Reporter interface {
	ReportStep(ctx context.Context, r protocol.StepReport) error
	ReportEpoch(ctx context.Context, r protocol.EpochReport) error
}

// Nop discards all reports.
type Nop struct{}

func (Nop) ReportStep(context.Context, protocol.StepReport) error   { return nil }
func (Nop) ReportEpoch(context.Context, protocol.EpochReport) error { return nil }

// Multi forwards every report to each reporter in order.
type Multi []Reporter

func (m Multi) ReportStep(ctx context.Context, r protocol.StepReport) error {
	var errs []error
	for _, rep := range m {
		if err := rep.ReportStep(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) ReportEpoch(ctx context.Context, r protocol.EpochReport) error {
	var errs []error
	for _, rep := range m {
		if err := rep.ReportEpoch(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher sends reports as JSON on <prefix>.step and <prefix>.epoch.
type Publisher struct {
	client *bus.Client
	prefix string
	log    *slog.Logger
}

func NewPublisher(client *bus.Client, prefix string, log *slog.Logger) *Publisher {
	return &Publisher{client: client, prefix: prefix, log: log.With(slog.String("component", "progress"))}
}

func (p *Publisher) ReportStep(_ context.Context, r protocol.StepReport) error {
	return p.client.PublishJSON(protocol.Subject(p.prefix, protocol.SubjectStepSuffix), r)
}

func (p *Publisher) ReportEpoch(ctx context.Context, r protocol.EpochReport) error {
	if err := p.client.PublishJSON(protocol.Subject(p.prefix, protocol.SubjectEpochSuffix), r); err != nil {
		return err
	}
	// epoch reports are rare; make sure they leave before a possible exit
	return p.client.Flush(ctx)
}

// Logger writes reports to a structured logger.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) ReportStep(_ context.Context, r protocol.StepReport) error {
	l.Log.Info("step",
		slog.String("set", r.Set),
		slog.String("phase", r.Phase),
		slog.Int("epoch", r.Epoch),
		slog.Int("step", r.Step),
		slog.Float64("avg_loss", r.AvgLoss),
		slog.Int64(r.Units, r.Rows),
		slog.Float64("rows_per_sec", r.RowsPerSec),
		slog.Float64("peek_accuracy", r.PeekAccuracy),
	)
	return nil
}

func (l Logger) ReportEpoch(_ context.Context, r protocol.EpochReport) error {
	l.Log.Info("epoch",
		slog.Int("epoch", r.Epoch),
		slog.Float64("learning_rate", r.LearningRate),
		slog.Float64("train_loss", r.TrainLoss),
		slog.Float64("dev_loss", r.DevLoss),
		slog.Float64("dev_accuracy", r.DevAccuracy),
		slog.Bool("accepted", r.Accepted),
	)
	return nil
}

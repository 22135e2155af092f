package datagen

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/loqalabs/loqa-dnn/internal/datagen"

type metrics struct {
	attrs     metric.MeasurementOption
	shards    metric.Int64Counter
	utts      metric.Int64Counter
	skipped   metric.Int64Counter
	batches   metric.Int64Counter
	readTime  metric.Float64Histogram
	available metric.Int64ObservableGauge
	reg       metric.Registration
}

func newMetrics(set string, available func() int64) (*metrics, error) {
	meter := otel.Meter(instrumentation)
	m := &metrics{attrs: metric.WithAttributes(attribute.String("set", set))}
	var err error
	if m.shards, err = meter.Int64Counter("loqa.datagen.shards", metric.WithDescription("Shards read")); err != nil {
		return nil, err
	}
	if m.utts, err = meter.Int64Counter("loqa.datagen.utterances", metric.WithDescription("Utterances packed")); err != nil {
		return nil, err
	}
	if m.skipped, err = meter.Int64Counter("loqa.datagen.utterances_skipped", metric.WithDescription("Utterances without a label")); err != nil {
		return nil, err
	}
	if m.batches, err = meter.Int64Counter("loqa.datagen.batches", metric.WithDescription("Batches emitted")); err != nil {
		return nil, err
	}
	if m.readTime, err = meter.Float64Histogram("loqa.datagen.shard_read_ms", metric.WithDescription("Shard read latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.available, err = meter.Int64ObservableGauge("loqa.datagen.window_rows", metric.WithDescription("Unconsumed rows in the batch window")); err != nil {
		return nil, err
	}
	m.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(m.available, available(), m.attrs)
		return nil
	}, m.available)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) shardRead(ctx context.Context, packed, skipped int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.shards.Add(ctx, 1, m.attrs)
	m.utts.Add(ctx, int64(packed), m.attrs)
	m.skipped.Add(ctx, int64(skipped), m.attrs)
	m.readTime.Record(ctx, float64(elapsed.Milliseconds()), m.attrs)
}

func (m *metrics) batch(ctx context.Context) {
	if m == nil {
		return
	}
	m.batches.Add(ctx, 1, m.attrs)
}

func (m *metrics) close() {
	if m == nil || m.reg == nil {
		return
	}
	_ = m.reg.Unregister()
}

package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Bucket bounds in milliseconds for loqa.datagen.shard_read_ms.
var shardReadBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 180000}

// telemetry owns the global providers installed for one job.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	handler http.Handler
}

func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(
			semconv.ServiceName("loqa-train"),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.run_name", cfg.RunName),
			attribute.String("loqa.feat_type", cfg.Features.FeatType),
			attribute.Int("loqa.batch_size", cfg.Batch.BatchSize*cfg.Batch.Replicas),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, name, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	t := &telemetry{
		traces: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))),
		),
	}
	otel.SetTracerProvider(t.traces)
	logger.Info("telemetry initialized",
		slog.String("exporter", name),
		slog.Float64("trace_sample_ratio", cfg.Telemetry.TraceSampleRatio),
	)

	t.metrics, t.handler = initMetrics(res, logger)
	otel.SetMeterProvider(t.metrics)
	return t, nil
}

// traceExporter sends spans over OTLP when an endpoint is configured and to
// stderr otherwise; stdout carries the JSON logs.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp:" + endpoint, err
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	return exp, "stderr", err
}

// initMetrics exports through a private registry served by the returned
// handler. A nil handler means metrics are collected but not exposed.
func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	shardReads := sdkmetric.NewView(
		sdkmetric.Instrument{Name: "loqa.datagen.shard_read_ms"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: shardReadBuckets}},
	)
	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithView(shardReads)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(shardReads),
	)
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// shutdown flushes pending spans and stops both providers.
func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(
		t.metrics.Shutdown(ctx),
		t.traces.Shutdown(ctx),
	)
}

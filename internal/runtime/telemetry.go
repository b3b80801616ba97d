package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/loqalabs/loqa-chatbox/internal/config"
)

// windowTraces says where capture-window spans are exported.
type windowTraces string

const (
	windowTracesOTLP   windowTraces = "otlp"
	windowTracesStderr windowTraces = "stderr"
	windowTracesOff    windowTraces = "off"
)

// chooseWindowTraces exports to a collector when one is configured. Without
// one, spans are printed to stderr at debug level and dropped otherwise, so
// stdout carries only the JSON log.
func chooseWindowTraces(cfg config.TelemetryConfig) windowTraces {
	switch {
	case strings.TrimSpace(cfg.OTLPEndpoint) != "":
		return windowTracesOTLP
	case strings.EqualFold(cfg.LogLevel, "debug"):
		return windowTracesStderr
	}
	return windowTracesOff
}

// telemetry owns the providers behind the pipeline's spans and counters and
// the registry served on /metrics.
type telemetry struct {
	traces   *sdktrace.TracerProvider
	metrics  *sdkmetric.MeterProvider
	registry *prometheus.Registry
	mode     windowTraces
}

func newTelemetry(ctx context.Context, cfg config.Config, runID string, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.run_id", runID),
			attribute.String("loqa.capture.mode", cfg.Capture.Mode),
			attribute.String("loqa.stt.mode", cfg.STT.Mode),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	t := &telemetry{mode: chooseWindowTraces(cfg.Telemetry)}
	if t.traces, err = newWindowTracer(ctx, cfg.Telemetry, t.mode, res); err != nil {
		return nil, err
	}

	// A private registry keeps /metrics to this pipeline's series plus the
	// Go runtime and process collectors.
	t.registry = prometheus.NewRegistry()
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry), otelprom.WithoutScopeInfo())
	if err != nil {
		_ = t.traces.Shutdown(ctx)
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	t.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(t.traces)
	otel.SetMeterProvider(t.metrics)
	logger.Info("telemetry initialized", slog.String("window_traces", string(t.mode)))
	return t, nil
}

func newWindowTracer(ctx context.Context, cfg config.TelemetryConfig, mode windowTraces, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	switch mode {
	case windowTracesOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		exporter = exp
	case windowTracesStderr:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stderr trace exporter: %w", err)
		}
		exporter = exp
	case windowTracesOff:
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func (t *telemetry) metricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// shutdown flushes pending window spans and stops the meter provider.
func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.metrics.Shutdown(ctx), t.traces.Shutdown(ctx))
}

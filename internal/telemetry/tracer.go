package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
)

// InstrumentationName is the tracer name used by trainer components.
const InstrumentationName = "github.com/tjfontaine/npc-trainer"

// Span attribute keys shared by the orchestrator, router and gate.
var (
	AttrSessionID = attribute.Key("trainer.session_id")
	AttrTurnID    = attribute.Key("trainer.turn_id")
	AttrAgent     = attribute.Key("trainer.agent")
	AttrProvider  = attribute.Key("trainer.provider")
)

// Tracer returns the trainer tracer from the global provider. Before
// InitTracer runs this is the otel no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// InitTracer installs a stdout-exporting tracer provider when tracing is
// enabled. The returned shutdown func is always safe to call.
func InitTracer(cfg config.TelemetryConfig, logger *slog.Logger) (func(context.Context) error, error) {
	return initTracer(cfg, os.Stdout, logger)
}

func initTracer(cfg config.TelemetryConfig, w io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Tracing {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}

	// Turns started under a sampled parent stay sampled so a session's spans
	// are not split.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled",
		slog.String("service", cfg.ServiceName),
		slog.Float64("sample_ratio", cfg.SampleRatio))
	return tp.Shutdown, nil
}

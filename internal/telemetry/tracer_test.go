package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(config.TelemetryConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := config.TelemetryConfig{Tracing: true, ServiceName: "trainer-test", SampleRatio: 1}
	shutdown, err := initTracer(cfg, &buf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "turn")
	span.SetAttributes(AttrSessionID.String("s1"), AttrTurnID.Int64(3))
	span.End()
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"turn"`)
	assert.Contains(t, out, "trainer.session_id")
	assert.Contains(t, out, "trainer-test")
}

func TestInitTracer_ZeroRatioDropsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := config.TelemetryConfig{Tracing: true, ServiceName: "trainer-test", SampleRatio: 0}
	shutdown, err := initTracer(cfg, &buf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "turn")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Empty(t, buf.String())
}

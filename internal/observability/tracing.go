package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InitTracing wires OpenTelemetry to a Jaeger exporter for serviceName,
// reading the collector endpoint from OTEL_EXPORTER_JAEGER_ENDPOINT (e.g.
// http://localhost:14268/api/traces). Tracing is off by default, per
// SPEC_FULL.md's ambient stack note, so an empty endpoint installs a
// no-op tracer provider and a no-op shutdown func rather than erroring.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(512), trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// tracer is the package-wide tracer used by the Start* helpers below; it
// resolves to whatever provider InitTracing installed (real or no-op).
var tracer = otel.Tracer("tarsnap-core")

// StartArchiveOp opens the root span for one archive operation (create,
// extract, delete, fsck), tagged with the archive name and machine
// number so a trace can be correlated with the logger's and metrics'
// labels for the same run.
func StartArchiveOp(ctx context.Context, op, archiveName string, machineNum uint64) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, "archive."+op, oteltrace.WithAttributes(
		attribute.String("archive.name", archiveName),
		attribute.Int64("machine.num", int64(machineNum)),
	))
	return ctx, func() { span.End() }
}

// StartChunkOp opens a child span for one content-addressed chunk
// operation (write, read, delete) under whatever archive-op span is
// already active on ctx.
func StartChunkOp(ctx context.Context, op string, chunkLen int) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, "chunk."+op, oteltrace.WithAttributes(
		attribute.Int("chunk.len", chunkLen),
	))
	return ctx, func() { span.End() }
}

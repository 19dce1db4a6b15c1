package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps the tracer provider the dispatch/middleware chain draws
// spans from, plus the slog logger emitted alongside each span — a span
// without a matching log line is easy to lose in a terminal, so the two
// travel together the way the Sentinel-Gate SDK's own telemetry does.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	log      *slog.Logger
}

// NewTracer builds a Tracer exporting spans to w (os.Stderr in the demo
// CLI) via the stdout span exporter. Passing io.Discard silences spans
// while keeping the same API, for tests.
func NewTracer(w io.Writer, serviceName string) (*Tracer, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("github.com/gopherlsp/lsprpc"),
		log:      slog.Default().With("component", serviceName),
	}, nil
}

// StartDispatch opens a span around one dispatched message, logging its
// method alongside. Callers invoke the returned function to end the span.
func (t *Tracer) StartDispatch(ctx context.Context, direction, method string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "dispatch."+method,
		trace.WithAttributes(
			attribute.String("lsprpc.direction", direction),
			attribute.String("lsprpc.method", method),
		),
	)
	t.log.Info("dispatch", "direction", direction, "method", method)
	return ctx, func() { span.End() }
}

// RecordError annotates the span active on ctx with err and logs it.
func (t *Tracer) RecordError(ctx context.Context, method string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	t.log.Error("dispatch error", "method", method, "error", err)
}

// Shutdown flushes and stops exporting spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// MeterProvider builds an OpenTelemetry metric provider that periodically
// exports to w via the stdout metric exporter, independent of the
// Prometheus registry in metrics.go — the two stacks are wired
// side-by-side rather than bridged.
func MeterProvider(w io.Writer) (*metric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter)),
	), nil
}

// ShutdownMeterProvider flushes and stops provider.
func ShutdownMeterProvider(ctx context.Context, provider *metric.MeterProvider) error {
	return provider.Shutdown(ctx)
}

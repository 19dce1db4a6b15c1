package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PendingRequests.Set(3)
	m.HandlerLatency.WithLabelValues("initialize").Observe(0.01)
	m.DispatchErrors.WithLabelValues("initialize", "panic").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family registered")
	}

	var sawPending bool
	for _, f := range families {
		if f.GetName() == "lsprpc_pending_requests" {
			sawPending = true
			if got := f.GetMetric()[0].GetGauge().GetValue(); got != 3 {
				t.Fatalf("expected pending_requests 3, got %v", got)
			}
		}
	}
	if !sawPending {
		t.Fatal("expected lsprpc_pending_requests family")
	}
}

func TestTracerStartDispatchEndsSpanWithoutPanicking(t *testing.T) {
	tr, err := NewTracer(io.Discard, "lsprpc-test")
	if err != nil {
		t.Fatalf("new tracer: %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, end := tr.StartDispatch(context.Background(), "clientToServer", "initialize")
	tr.RecordError(ctx, "initialize", errors.New("boom"))
	end()
}

func TestMeterProviderExportsToWriter(t *testing.T) {
	var buf bytes.Buffer
	provider, err := MeterProvider(&buf)
	if err != nil {
		t.Fatalf("new meter provider: %v", err)
	}
	defer ShutdownMeterProvider(context.Background(), provider)

	meter := provider.Meter("test")
	counter, err := meter.Int64Counter("test_counter")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 1)
}

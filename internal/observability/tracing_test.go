package observability

import (
	"context"
	"testing"

	"github.com/signalsfoundry/tsch-simulator/internal/logging"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("TSCH_TRACING_ENABLED", "TRUE")
	t.Setenv("TSCH_TRACING_EXPORTER", "OTLP")
	t.Setenv("TSCH_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("TSCH_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("TSCH_TRACING_SERVICE_NAME", "")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ServiceName != "tsch-simulator" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}

	t.Setenv("TSCH_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out-of-range ratio accepted: %v", got)
	}
}

func TestNewTracerProviderDisabled(t *testing.T) {
	log := logging.NewCapture()
	tp, shutdown, err := NewTracerProvider(context.Background(), TracingConfig{}, log)
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing produced a sampled span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(log.Matching("tracing disabled")) != 1 {
		t.Fatalf("missing disabled log: %+v", log.Entries())
	}
}

func TestNewTracerProviderRejectsUnknownExporter(t *testing.T) {
	_, _, err := NewTracerProvider(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil)
	if err == nil {
		t.Fatalf("expected an error for an unsupported exporter")
	}
}

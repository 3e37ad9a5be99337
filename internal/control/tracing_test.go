package control

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/tsch-simulator/internal/logging"
)

func TestTracingInterceptorRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	interceptor := TracingUnaryServerInterceptor(tp)

	ctx := logging.ContextWithRequestID(context.Background(), "req-7")
	info := &grpc.UnaryServerInfo{FullMethod: MethodGetSyncState}
	if _, err := interceptor(ctx, nil, info, func(context.Context, interface{}) (interface{}, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	info = &grpc.UnaryServerInfo{FullMethod: MethodAddCells}
	if _, err := interceptor(ctx, nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, ToStatusError(ErrNotFound)
	}); err == nil {
		t.Fatalf("expected the handler error")
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "Control/GetSyncState" || spans[0].Status().Code == codes.Error {
		t.Fatalf("first span = %s %v", spans[0].Name(), spans[0].Status())
	}
	var reqID string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "request_id" {
			reqID = kv.Value.AsString()
		}
	}
	if reqID != "req-7" {
		t.Fatalf("request_id attribute = %q", reqID)
	}
	if spans[1].Name() != "Control/AddCells" || spans[1].Status().Code != codes.Error {
		t.Fatalf("second span = %s %v", spans[1].Name(), spans[1].Status())
	}
}

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stratumlabs/stratum/internal/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeTelemetryStore struct {
	last  storage.TelemetryEvent
	count int
}

func (s *fakeTelemetryStore) AppendTelemetryEvent(ctx context.Context, evt storage.TelemetryEvent) error {
	s.last = evt
	s.count++
	return nil
}

func (s *fakeTelemetryStore) ListTelemetryEvents(ctx context.Context, limit int) ([]storage.TelemetryEvent, error) {
	return []storage.TelemetryEvent{s.last}, nil
}

func TestEmitterNoopWhenNil(t *testing.T) {
	var emitter *Emitter
	if err := emitter.Emit(context.Background(), storage.TelemetryEvent{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestEmitterNoopWhenStoreNil(t *testing.T) {
	emitter := &Emitter{}
	if err := emitter.Emit(context.Background(), storage.TelemetryEvent{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestEmitterAddsTimestamp(t *testing.T) {
	store := &fakeTelemetryStore{}
	clockTime := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	emitter := &Emitter{store: store, clock: func() time.Time { return clockTime }}

	if err := emitter.Emit(context.Background(), storage.TelemetryEvent{Name: "test"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if store.count != 1 {
		t.Fatalf("expected 1 event, got %d", store.count)
	}
	if store.last.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if !store.last.Timestamp.Equal(clockTime) {
		t.Fatalf("expected timestamp %v, got %v", clockTime, store.last.Timestamp)
	}
}

func TestEmitterPreservesTimestamp(t *testing.T) {
	store := &fakeTelemetryStore{}
	clockTime := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	setTime := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	emitter := &Emitter{store: store, clock: func() time.Time { return clockTime }}

	if err := emitter.Emit(context.Background(), storage.TelemetryEvent{Name: "test", Timestamp: setTime}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !store.last.Timestamp.Equal(setTime) {
		t.Fatalf("expected timestamp %v, got %v", setTime, store.last.Timestamp)
	}
}

func TestEmitterCapturesActiveSpan(t *testing.T) {
	store := &fakeTelemetryStore{}
	emitter := NewEmitter(store)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown tracer provider: %v", err)
		}
	})
	ctx, span := tp.Tracer("test").Start(context.Background(), "emit")
	defer span.End()

	if err := emitter.Emit(ctx, storage.TelemetryEvent{Name: "test"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if store.last.TraceID == "" || store.last.SpanID == "" {
		t.Fatalf("expected trace identifiers, got trace=%q span=%q", store.last.TraceID, store.last.SpanID)
	}
}

func TestEmitterKeepsExplicitTraceIDs(t *testing.T) {
	store := &fakeTelemetryStore{}
	emitter := NewEmitter(store)

	if err := emitter.Emit(context.Background(), storage.TelemetryEvent{Name: "test", TraceID: "trace-1", SpanID: "span-1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if store.last.TraceID != "trace-1" || store.last.SpanID != "span-1" {
		t.Fatalf("expected explicit trace identifiers, got trace=%q span=%q", store.last.TraceID, store.last.SpanID)
	}
}

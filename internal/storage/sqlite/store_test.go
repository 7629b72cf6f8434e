package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratumlabs/stratum/internal/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stratum.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty storage path")
	}
}

func TestOpenIsIdempotentPerPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratum.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close reopened store: %v", err)
	}
}

func TestCloseNilStore(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestAppendAndListTelemetryEvents(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	if err := store.AppendTelemetryEvent(context.Background(), storage.TelemetryEvent{
		Name:      "outbox.quarantined",
		Severity:  "WARN",
		Component: "publisher",
		Attributes: map[string]any{
			"event_id": "evt-1",
		},
		Timestamp: now,
	}); err != nil {
		t.Fatalf("append telemetry event: %v", err)
	}
	if err := store.AppendTelemetryEvent(context.Background(), storage.TelemetryEvent{
		Name:      "outbox.sweep",
		Severity:  "INFO",
		Component: "publisher",
		Timestamp: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("append second telemetry event: %v", err)
	}

	events, err := store.ListTelemetryEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list telemetry events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events len = %d, want 2", len(events))
	}
	if events[0].Name != "outbox.sweep" {
		t.Fatalf("events[0].name = %q, want %q", events[0].Name, "outbox.sweep")
	}
	if events[1].Attributes["event_id"] != "evt-1" {
		t.Fatalf("events[1] attributes = %v, want event_id evt-1", events[1].Attributes)
	}
}

func TestAppendTelemetryEventValidation(t *testing.T) {
	store := openTempStore(t)

	if err := store.AppendTelemetryEvent(context.Background(), storage.TelemetryEvent{Severity: "INFO"}); err == nil {
		t.Fatal("expected error for missing event name")
	}
	if err := store.AppendTelemetryEvent(context.Background(), storage.TelemetryEvent{Name: "outbox.sweep"}); err == nil {
		t.Fatal("expected error for missing severity")
	}
}

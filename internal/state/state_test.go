package state

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/entity"
	"github.com/stratumlabs/stratum/internal/domain/event"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/storage"
	"github.com/stratumlabs/stratum/internal/storage/memory"
)

type fakeEntityStore struct {
	getFn    func(ctx context.Context, kind, id string) (entity.Record, error)
	putFn    func(ctx context.Context, rec entity.Record, expectedVersion int64, ev event.OutboxEvent) (entity.Record, error)
	getCalls int
}

func (f *fakeEntityStore) GetEntity(ctx context.Context, kind, id string) (entity.Record, error) {
	f.getCalls++
	if f.getFn == nil {
		return entity.Record{}, storage.ErrNotFound
	}
	return f.getFn(ctx, kind, id)
}

func (f *fakeEntityStore) PutEntityWithOutboxEvent(ctx context.Context, rec entity.Record, expectedVersion int64, ev event.OutboxEvent) (entity.Record, error) {
	if f.putFn == nil {
		return entity.Record{}, fmt.Errorf("unexpected put")
	}
	return f.putFn(ctx, rec, expectedVersion, ev)
}

type failingHotStore struct{}

func (failingHotStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("hot store down")
}

func (failingHotStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return fmt.Errorf("hot store down")
}

func (failingHotStore) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("hot store down")
}

func storedRecord() entity.Record {
	return entity.Record{
		Kind:      "artifact",
		ID:        "A1",
		Version:   3,
		Payload:   map[string]any{"title": "quarterly report"},
		UpdatedAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewRequiresColdStore(t *testing.T) {
	_, err := New(Config{})
	if !errors.Is(err, apperrors.New(apperrors.CodeConfiguration, "")) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestGetReadsThroughAndServesHotOnSecondRead(t *testing.T) {
	hot := memory.NewHotStore()
	t.Cleanup(func() {
		_ = hot.Close()
	})
	cold := &fakeEntityStore{
		getFn: func(ctx context.Context, kind, id string) (entity.Record, error) {
			return storedRecord(), nil
		},
	}
	svc, err := New(Config{Hot: hot, Cold: cold})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	first, err := svc.Get(context.Background(), "artifact", "A1")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if first.Version != 3 || first.Payload["title"] != "quarterly report" {
		t.Fatalf("first get = %+v", first)
	}
	if cold.getCalls != 1 {
		t.Fatalf("cold reads = %d, want 1", cold.getCalls)
	}

	second, err := svc.Get(context.Background(), "artifact", "A1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second.Version != 3 || second.Payload["title"] != "quarterly report" {
		t.Fatalf("second get = %+v", second)
	}
	if cold.getCalls != 1 {
		t.Fatalf("cold reads = %d, want 1 (second read must hit the cache)", cold.getCalls)
	}
}

func TestGetMissReturnsNotFound(t *testing.T) {
	cold := &fakeEntityStore{}
	svc, err := New(Config{Cold: cold})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.Get(context.Background(), "artifact", "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetDropsMalformedCacheEntry(t *testing.T) {
	hot := memory.NewHotStore()
	t.Cleanup(func() {
		_ = hot.Close()
	})
	cold := &fakeEntityStore{
		getFn: func(ctx context.Context, kind, id string) (entity.Record, error) {
			return storedRecord(), nil
		},
	}
	svc, err := New(Config{Hot: hot, Cold: cold})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := hot.Set(context.Background(), "artifact:A1", []byte("{not json"), 0); err != nil {
		t.Fatalf("seed malformed entry: %v", err)
	}

	rec, err := svc.Get(context.Background(), "artifact", "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Version != 3 {
		t.Fatalf("record = %+v, want cold copy", rec)
	}
	if cold.getCalls != 1 {
		t.Fatalf("cold reads = %d, want 1 (malformed entry is a miss)", cold.getCalls)
	}

	// The malformed bytes are gone; the cold copy took their place.
	raw, ok, err := hot.Get(context.Background(), "artifact:A1")
	if err != nil || !ok {
		t.Fatalf("hot probe: ok=%v err=%v", ok, err)
	}
	if string(raw) == "{not json" {
		t.Fatal("malformed cache entry survived")
	}
}

func TestGetDegradesWhenHotStoreFails(t *testing.T) {
	cold := &fakeEntityStore{
		getFn: func(ctx context.Context, kind, id string) (entity.Record, error) {
			return storedRecord(), nil
		},
	}
	svc, err := New(Config{Hot: failingHotStore{}, Cold: cold})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	rec, err := svc.Get(context.Background(), "artifact", "A1")
	if err != nil {
		t.Fatalf("get with failing hot store: %v", err)
	}
	if rec.Version != 3 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestGetValidatesKey(t *testing.T) {
	svc, err := New(Config{Cold: &fakeEntityStore{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.Get(context.Background(), "", "A1"); !errors.Is(err, apperrors.New(apperrors.CodeEntityKindEmpty, "")) {
		t.Fatalf("expected kind-empty error, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "artifact", " "); !errors.Is(err, apperrors.New(apperrors.CodeEntityIDEmpty, "")) {
		t.Fatalf("expected id-empty error, got %v", err)
	}
}

func TestPutWritesColdAndInvalidatesHot(t *testing.T) {
	hot := memory.NewHotStore()
	t.Cleanup(func() {
		_ = hot.Close()
	})
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	var gotEvent event.OutboxEvent
	cold := &fakeEntityStore{
		getFn: func(ctx context.Context, kind, id string) (entity.Record, error) {
			return storedRecord(), nil
		},
		putFn: func(ctx context.Context, rec entity.Record, expectedVersion int64, ev event.OutboxEvent) (entity.Record, error) {
			gotEvent = ev
			rec.Version = expectedVersion + 1
			return rec, nil
		},
	}
	svc, err := New(Config{
		Hot:   hot,
		Cold:  cold,
		Clock: func() time.Time { return now },
		IDGen: func() string { return "evt-fixed" },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	// Warm the cache, then write through.
	if _, err := svc.Get(context.Background(), "artifact", "A1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	stored, err := svc.Put(context.Background(), "artifact", "A1", 3, map[string]any{"title": "v4"}, "artifact.updated")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if stored.Version != 4 {
		t.Fatalf("version = %d, want 4", stored.Version)
	}

	if gotEvent.ID != "evt-fixed" {
		t.Fatalf("event id = %q", gotEvent.ID)
	}
	if gotEvent.Type != "artifact.updated" {
		t.Fatalf("event type = %q", gotEvent.Type)
	}
	if gotEvent.AggregateKind != "artifact" || gotEvent.AggregateID != "A1" {
		t.Fatalf("event aggregate = %s/%s", gotEvent.AggregateKind, gotEvent.AggregateID)
	}
	if gotEvent.Payload["title"] != "v4" || gotEvent.Payload["version"] != int64(4) {
		t.Fatalf("event payload = %v", gotEvent.Payload)
	}
	if !gotEvent.CreatedAt.Equal(now) {
		t.Fatalf("event created at = %v", gotEvent.CreatedAt)
	}

	// The stale hot copy must be invalidated, not overwritten.
	if _, ok, _ := hot.Get(context.Background(), "artifact:A1"); ok {
		t.Fatal("hot copy survived the write")
	}
}

func TestPutVersionConflictLeavesHotCopy(t *testing.T) {
	hot := memory.NewHotStore()
	t.Cleanup(func() {
		_ = hot.Close()
	})
	cold := &fakeEntityStore{
		getFn: func(ctx context.Context, kind, id string) (entity.Record, error) {
			return storedRecord(), nil
		},
		putFn: func(ctx context.Context, rec entity.Record, expectedVersion int64, ev event.OutboxEvent) (entity.Record, error) {
			return entity.Record{}, storage.ErrVersionConflict
		},
	}
	svc, err := New(Config{Hot: hot, Cold: cold})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.Get(context.Background(), "artifact", "A1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	_, err = svc.Put(context.Background(), "artifact", "A1", 1, map[string]any{"title": "stale"}, "artifact.updated")
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	// A failed write invalidates nothing: the cached copy is still valid.
	if _, ok, _ := hot.Get(context.Background(), "artifact:A1"); !ok {
		t.Fatal("hot copy dropped by failed write")
	}
}

func TestPutValidatesArguments(t *testing.T) {
	svc, err := New(Config{Cold: &fakeEntityStore{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.Put(context.Background(), "artifact", "A1", -1, nil, "artifact.updated"); !errors.Is(err, apperrors.New(apperrors.CodeEntityVersionNegative, "")) {
		t.Fatalf("expected negative-version error, got %v", err)
	}
	if _, err := svc.Put(context.Background(), "artifact", "A1", 0, nil, ""); !errors.Is(err, apperrors.New(apperrors.CodeEventTypeEmpty, "")) {
		t.Fatalf("expected event-type-empty error, got %v", err)
	}
}

func TestInvalidateDropsHotCopy(t *testing.T) {
	hot := memory.NewHotStore()
	t.Cleanup(func() {
		_ = hot.Close()
	})
	svc, err := New(Config{Hot: hot, Cold: &fakeEntityStore{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := hot.Set(context.Background(), "artifact:A1", []byte(`{"version":3}`), 0); err != nil {
		t.Fatalf("seed hot copy: %v", err)
	}
	if err := svc.Invalidate(context.Background(), "artifact", "A1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := hot.Get(context.Background(), "artifact:A1"); ok {
		t.Fatal("hot copy survived invalidate")
	}
}

func TestInvalidateWithoutHotStoreIsNoop(t *testing.T) {
	svc, err := New(Config{Cold: &fakeEntityStore{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Invalidate(context.Background(), "artifact", "A1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
}

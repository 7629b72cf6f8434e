package storage

import (
	"context"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/entity"
	"github.com/stratumlabs/stratum/internal/domain/event"
	"github.com/stratumlabs/stratum/internal/domain/lineage"
	"github.com/stratumlabs/stratum/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrVersionConflict indicates a conditional write lost to a concurrent
// writer. Callers recover by re-reading and retrying with the fresh version.
var ErrVersionConflict = errors.New(errors.CodeVersionConflict, "entity version conflict")

// HotStore is the narrow cache interface over a fast, possibly-volatile
// store. Errors from a hot store are advisory: callers degrade to cold
// reads, they never fail an operation on cache trouble alone.
type HotStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// EntityStore persists versioned entity records in the durable store of
// record.
type EntityStore interface {
	GetEntity(ctx context.Context, kind, id string) (entity.Record, error)

	// PutEntityWithOutboxEvent writes the record and one outbox entry in a
	// single transaction. The write is conditional on expectedVersion
	// matching the stored version (or 0 for creation); a mismatch returns
	// ErrVersionConflict and nothing is written. The returned record
	// carries the newly assigned version.
	PutEntityWithOutboxEvent(ctx context.Context, rec entity.Record, expectedVersion int64, ev event.OutboxEvent) (entity.Record, error)
}

// OutboxSummary reports ledger depth by status and the oldest due entry.
type OutboxSummary struct {
	PendingCount    int
	PublishedCount  int
	FailedCount     int
	OldestPendingID string
	OldestPendingAt time.Time
}

// OutboxStore is the publisher's view of the outbox ledger.
type OutboxStore interface {
	// LeaseOutboxHead claims due pending entries for one consumer. Only
	// the head entry of each aggregate is claimable: an entry stays
	// invisible while an earlier entry for the same aggregate remains
	// unpublished, which preserves per-aggregate publish order. An entry
	// whose lease has expired is claimable again.
	LeaseOutboxHead(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]event.OutboxEvent, error)

	// MarkOutboxPublished records a bus acknowledgment. Guarded by lease
	// ownership; returns ErrNotFound when the caller no longer holds the
	// entry.
	MarkOutboxPublished(ctx context.Context, id, consumer string, publishedAt time.Time) error

	// MarkOutboxRetry releases the entry for a later attempt, incrementing
	// its attempt count.
	MarkOutboxRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error

	// MarkOutboxFailed quarantines the entry after its final attempt.
	MarkOutboxFailed(ctx context.Context, id, consumer string, lastError string, failedAt time.Time) error

	GetOutboxEvent(ctx context.Context, id string) (event.OutboxEvent, error)
	ListOutboxEvents(ctx context.Context, status string, limit int) ([]event.OutboxEvent, error)
	GetOutboxSummary(ctx context.Context) (OutboxSummary, error)

	// RequeueOutboxEvent resets one failed entry to pending with zero
	// attempts. Returns false when the entry is not in the failed state.
	RequeueOutboxEvent(ctx context.Context, id string, now time.Time) (bool, error)

	// RequeueFailedOutboxEvents requeues up to limit failed entries in
	// deterministic ledger order and reports how many were reset.
	RequeueFailedOutboxEvents(ctx context.Context, limit int, now time.Time) (int, error)

	// PurgePublishedOutboxEvents deletes published entries older than the
	// retention cutoff. Pending and failed entries are never purged.
	PurgePublishedOutboxEvents(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// GraphStore is the append-only provenance graph interface.
type GraphStore interface {
	// UpsertLineageNode records a node idempotently. When the node already
	// exists its metadata is merged: new keys are added, existing keys
	// keep their first-recorded values.
	UpsertLineageNode(ctx context.Context, node lineage.Node) (lineage.Node, error)

	// InsertLineageEdge records a derivation edge; inserting an identical
	// (from, to, relation) edge again is a no-op.
	InsertLineageEdge(ctx context.Context, edge lineage.Edge) error

	GetLineageNode(ctx context.Context, id string) (lineage.Node, error)
	ListLineageNodes(ctx context.Context, ids []string) ([]lineage.Node, error)

	// ListLineageNeighbors returns the edges leaving the given frontier in
	// the requested direction: edges whose From is in ids for ancestors,
	// edges whose To is in ids for descendants.
	ListLineageNeighbors(ctx context.Context, ids []string, direction lineage.Direction) ([]lineage.Edge, error)

	// ListLineageEdgesAmong returns every edge with both endpoints in ids.
	ListLineageEdgesAmong(ctx context.Context, ids []string) ([]lineage.Edge, error)
}

// TelemetryEvent is one durable operational event.
type TelemetryEvent struct {
	ID         int64
	Name       string
	Severity   string
	Component  string
	TraceID    string
	SpanID     string
	Attributes map[string]any
	Timestamp  time.Time
}

// TelemetryStore persists operational telemetry events.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, evt TelemetryEvent) error
	ListTelemetryEvents(ctx context.Context, limit int) ([]TelemetryEvent, error)
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/entity"
	"github.com/stratumlabs/stratum/internal/domain/event"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/storage"
)

// GetEntity fetches one entity record by (kind, id).
func (s *Store) GetEntity(ctx context.Context, kind, id string) (entity.Record, error) {
	if err := ctx.Err(); err != nil {
		return entity.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return entity.Record{}, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	key, err := entity.NewKey(kind, id)
	if err != nil {
		return entity.Record{}, err
	}

	var (
		version     int64
		payloadJSON string
		updatedAt   int64
	)
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT version, payload_json, updated_at
FROM entities
WHERE kind = ? AND id = ?
`, key.Kind, key.ID).Scan(&version, &payloadJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Record{}, storage.ErrNotFound
		}
		return entity.Record{}, classifyStoreError("get entity", err)
	}

	payload, err := unmarshalPayload(payloadJSON)
	if err != nil {
		return entity.Record{}, fmt.Errorf("get entity %s/%s: %w", key.Kind, key.ID, err)
	}
	return entity.Record{
		Kind:      key.Kind,
		ID:        key.ID,
		Version:   version,
		Payload:   payload,
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

// PutEntityWithOutboxEvent persists the entity record and one outbox entry in
// a single transaction. The write is conditional on expectedVersion matching
// the stored version (zero for creation); a mismatch returns
// storage.ErrVersionConflict and the transaction is rolled back, so either
// both rows commit or neither does.
func (s *Store) PutEntityWithOutboxEvent(ctx context.Context, rec entity.Record, expectedVersion int64, ev event.OutboxEvent) (entity.Record, error) {
	if err := ctx.Err(); err != nil {
		return entity.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return entity.Record{}, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	key, err := entity.NewKey(rec.Kind, rec.ID)
	if err != nil {
		return entity.Record{}, err
	}
	if err := entity.ValidateVersion(expectedVersion); err != nil {
		return entity.Record{}, err
	}
	if strings.TrimSpace(ev.ID) == "" {
		return entity.Record{}, apperrors.New(apperrors.CodeConfiguration, "outbox event id is required")
	}
	if strings.TrimSpace(ev.Type) == "" {
		return entity.Record{}, apperrors.New(apperrors.CodeEventTypeEmpty, "event type is required")
	}

	payloadJSON, err := marshalPayload(rec.Payload)
	if err != nil {
		return entity.Record{}, fmt.Errorf("put entity %s/%s: %w", key.Kind, key.ID, err)
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	updatedAt = updatedAt.UTC()
	newVersion := expectedVersion + 1

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return entity.Record{}, classifyStoreError("start entity transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if expectedVersion == 0 {
		result, execErr := tx.ExecContext(ctx, `
INSERT INTO entities (kind, id, version, payload_json, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(kind, id) DO NOTHING
`, key.Kind, key.ID, newVersion, payloadJSON, toMillis(updatedAt))
		if execErr != nil {
			return entity.Record{}, classifyStoreError("insert entity", execErr)
		}
		affected, execErr := result.RowsAffected()
		if execErr != nil {
			return entity.Record{}, fmt.Errorf("insert entity rows affected: %w", execErr)
		}
		if affected == 0 {
			return entity.Record{}, versionConflict(key, expectedVersion)
		}
	} else {
		result, execErr := tx.ExecContext(ctx, `
UPDATE entities
SET version = ?, payload_json = ?, updated_at = ?
WHERE kind = ? AND id = ? AND version = ?
`, newVersion, payloadJSON, toMillis(updatedAt), key.Kind, key.ID, expectedVersion)
		if execErr != nil {
			return entity.Record{}, classifyStoreError("update entity", execErr)
		}
		affected, execErr := result.RowsAffected()
		if execErr != nil {
			return entity.Record{}, fmt.Errorf("update entity rows affected: %w", execErr)
		}
		if affected == 0 {
			return entity.Record{}, versionConflict(key, expectedVersion)
		}
	}

	if err := enqueueOutboxEvent(ctx, tx, normalizeOutboxEvent(ev, key, updatedAt)); err != nil {
		return entity.Record{}, err
	}

	if err := tx.Commit(); err != nil {
		return entity.Record{}, classifyStoreError("commit entity + outbox", err)
	}

	stored := rec
	stored.Kind = key.Kind
	stored.ID = key.ID
	stored.Version = newVersion
	stored.UpdatedAt = fromMillis(toMillis(updatedAt))
	return stored, nil
}

// versionConflict builds the conflict error with enough metadata for callers
// to log what they expected without a second read.
func versionConflict(key entity.Key, expectedVersion int64) error {
	return apperrors.WrapWithMetadata(
		apperrors.CodeVersionConflict,
		"entity version conflict",
		map[string]string{
			"kind":             key.Kind,
			"id":               key.ID,
			"expected_version": strconv.FormatInt(expectedVersion, 10),
		},
		storage.ErrVersionConflict,
	)
}

func normalizeOutboxEvent(ev event.OutboxEvent, key entity.Key, updatedAt time.Time) event.OutboxEvent {
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Type = strings.TrimSpace(ev.Type)
	if strings.TrimSpace(ev.AggregateKind) == "" {
		ev.AggregateKind = key.Kind
	}
	if strings.TrimSpace(ev.AggregateID) == "" {
		ev.AggregateID = key.ID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = updatedAt
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	if ev.Status == "" {
		ev.Status = event.StatusPending
	}
	if ev.NextAttemptAt.IsZero() {
		ev.NextAttemptAt = ev.CreatedAt
	}
	return ev
}

func enqueueOutboxEvent(ctx context.Context, target execContexter, ev event.OutboxEvent) error {
	payloadJSON, err := marshalPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("enqueue outbox event %s: %w", ev.ID, err)
	}

	_, err = target.ExecContext(ctx, `
INSERT INTO outbox_events (
	id,
	aggregate_kind,
	aggregate_id,
	event_type,
	payload_json,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	published_at,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		ev.ID,
		ev.AggregateKind,
		ev.AggregateID,
		ev.Type,
		payloadJSON,
		string(ev.Status),
		ev.AttemptCount,
		toMillis(ev.NextAttemptAt),
		ev.LeaseOwner,
		toNullMillis(ev.LeaseExpiresAt),
		ev.LastError,
		toNullMillis(ev.PublishedAt),
		toMillis(ev.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("enqueue outbox event %s: duplicate event id: %w", ev.ID, err)
		}
		return classifyStoreError("enqueue outbox event", err)
	}
	return nil
}

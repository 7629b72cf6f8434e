package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/event"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/storage"
)

const outboxColumns = `
	seq,
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
`

// LeaseOutboxHead claims due pending entries for one consumer.
//
// Only the head entry of each aggregate is claimable: an entry stays
// invisible while an earlier entry for the same aggregate remains
// unpublished. That keeps per-aggregate publish order intact and lets a
// quarantined head park its own aggregate without affecting others. A
// pending entry whose lease has expired is claimable again, which is how a
// crashed publisher's work gets picked back up.
func (s *Store) LeaseOutboxHead(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]event.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	leaseExpiresAt := now.Add(leaseTTL)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyStoreError("start lease transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT o.seq
FROM outbox_events o
WHERE o.status = ?
AND o.next_attempt_at <= ?
AND (o.lease_expires_at IS NULL OR o.lease_expires_at <= ?)
AND NOT EXISTS (
	SELECT 1
	FROM outbox_events prior
	WHERE prior.aggregate_kind = o.aggregate_kind
	AND prior.aggregate_id = o.aggregate_id
	AND prior.seq < o.seq
	AND prior.status <> ?
)
ORDER BY o.next_attempt_at ASC, o.seq ASC
LIMIT ?
`,
		string(event.StatusPending),
		toMillis(now),
		toMillis(now),
		string(event.StatusPublished),
		limit,
	)
	if err != nil {
		return nil, classifyStoreError("select lease candidates", err)
	}
	candidateSeqs := make([]int64, 0, limit)
	for rows.Next() {
		var seq int64
		if scanErr := rows.Scan(&seq); scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", scanErr)
		}
		candidateSeqs = append(candidateSeqs, seq)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}
	if len(candidateSeqs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, classifyStoreError("commit empty lease transaction", err)
		}
		return []event.OutboxEvent{}, nil
	}

	leased := make([]event.OutboxEvent, 0, len(candidateSeqs))
	for _, seq := range candidateSeqs {
		result, updateErr := tx.ExecContext(ctx, `
UPDATE outbox_events
SET lease_owner = ?, lease_expires_at = ?
WHERE seq = ?
AND status = ?
AND next_attempt_at <= ?
AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
`,
			consumer,
			toMillis(leaseExpiresAt),
			seq,
			string(event.StatusPending),
			toMillis(now),
			toMillis(now),
		)
		if updateErr != nil {
			return nil, classifyStoreError("lease outbox entry", updateErr)
		}
		rowsAffected, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return nil, fmt.Errorf("lease rows affected for seq %d: %w", seq, rowsErr)
		}
		if rowsAffected == 0 {
			continue
		}

		row := tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE seq = ?`, seq)
		entry, scanErr := scanOutboxEvent(row.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan leased outbox entry seq %d: %w", seq, scanErr)
		}
		leased = append(leased, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStoreError("commit lease transaction", err)
	}
	return leased, nil
}

// MarkOutboxPublished records a bus acknowledgment for one leased entry.
func (s *Store) MarkOutboxPublished(ctx context.Context, id, consumer string, publishedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	id = strings.TrimSpace(id)
	consumer = strings.TrimSpace(consumer)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}
	publishedAt = publishedAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_events
SET
	status = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = '',
	published_at = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		string(event.StatusPublished),
		toMillis(publishedAt),
		id,
		string(event.StatusPending),
		consumer,
	)
	if err != nil {
		return classifyStoreError("mark outbox published", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox published rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkOutboxRetry releases one leased entry for a later attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	id = strings.TrimSpace(id)
	consumer = strings.TrimSpace(consumer)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	nextAttemptAt = nextAttemptAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_events
SET
	attempt_count = attempt_count + 1,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		toMillis(nextAttemptAt),
		lastError,
		id,
		string(event.StatusPending),
		consumer,
	)
	if err != nil {
		return classifyStoreError("mark outbox retry", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox retry rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkOutboxFailed quarantines one leased entry after its final attempt.
func (s *Store) MarkOutboxFailed(ctx context.Context, id, consumer string, lastError string, failedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	id = strings.TrimSpace(id)
	consumer = strings.TrimSpace(consumer)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	if consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	failedAt = failedAt.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_events
SET
	status = ?,
	attempt_count = attempt_count + 1,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?
WHERE id = ?
AND status = ?
AND lease_owner = ?
`,
		string(event.StatusFailed),
		toMillis(failedAt),
		lastError,
		id,
		string(event.StatusPending),
		consumer,
	)
	if err != nil {
		return classifyStoreError("mark outbox failed", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox failed rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetOutboxEvent returns one outbox entry by event ID.
func (s *Store) GetOutboxEvent(ctx context.Context, id string) (event.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return event.OutboxEvent{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.OutboxEvent{}, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return event.OutboxEvent{}, fmt.Errorf("event id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id)
	entry, err := scanOutboxEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.OutboxEvent{}, storage.ErrNotFound
		}
		return event.OutboxEvent{}, classifyStoreError("get outbox event", err)
	}
	return entry, nil
}

// ListOutboxEvents lists ledger entries in drain order, optionally filtered
// by status.
func (s *Store) ListOutboxEvents(ctx context.Context, status string, limit int) ([]event.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	if limit <= 0 {
		return []event.OutboxEvent{}, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+outboxColumns+`
FROM outbox_events
ORDER BY next_attempt_at ASC, seq ASC
LIMIT ?
`, limit)
	} else {
		parsed, parseErr := event.ParseStatus(status)
		if parseErr != nil {
			return nil, parseErr
		}
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+outboxColumns+`
FROM outbox_events
WHERE status = ?
ORDER BY next_attempt_at ASC, seq ASC
LIMIT ?
`, string(parsed), limit)
	}
	if err != nil {
		return nil, classifyStoreError("list outbox events", err)
	}
	defer rows.Close()

	entries := make([]event.OutboxEvent, 0, limit)
	for rows.Next() {
		entry, scanErr := scanOutboxEvent(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan outbox event: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return entries, nil
}

// GetOutboxSummary returns ledger depth by status and the oldest due entry.
func (s *Store) GetOutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxSummary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.OutboxSummary{}, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}

	summary := storage.OutboxSummary{}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(*)
FROM outbox_events
GROUP BY status
`)
	if err != nil {
		return storage.OutboxSummary{}, classifyStoreError("query outbox summary counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.OutboxSummary{}, fmt.Errorf("scan outbox summary count: %w", err)
		}
		switch event.Status(strings.ToLower(strings.TrimSpace(status))) {
		case event.StatusPending:
			summary.PendingCount = count
		case event.StatusPublished:
			summary.PublishedCount = count
		case event.StatusFailed:
			summary.FailedCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("iterate outbox summary counts: %w", err)
	}

	var (
		id          string
		nextAttempt int64
	)
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT id, next_attempt_at
FROM outbox_events
WHERE status = ?
ORDER BY next_attempt_at ASC, seq ASC
LIMIT 1
`, string(event.StatusPending)).Scan(&id, &nextAttempt)
	if err == nil {
		summary.OldestPendingID = id
		summary.OldestPendingAt = fromMillis(nextAttempt)
		return summary, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return summary, nil
	}
	return storage.OutboxSummary{}, classifyStoreError("query oldest pending outbox entry", err)
}

// RequeueOutboxEvent resets one failed entry to pending with zero attempts.
func (s *Store) RequeueOutboxEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("event id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_events
SET
	status = ?,
	attempt_count = 0,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ''
WHERE id = ? AND status = ?
`,
		string(event.StatusPending),
		toMillis(now),
		id,
		string(event.StatusFailed),
	)
	if err != nil {
		return false, classifyStoreError("requeue outbox event", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue outbox event rows affected: %w", err)
	}
	return affected == 1, nil
}

// RequeueFailedOutboxEvents resets up to limit failed entries to pending in
// ledger order and reports how many were reset.
func (s *Store) RequeueFailedOutboxEvents(ctx context.Context, limit int, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	if limit <= 0 {
		return 0, fmt.Errorf("requeue limit must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
WITH to_requeue AS (
	SELECT seq
	FROM outbox_events
	WHERE status = ?
	ORDER BY seq ASC
	LIMIT ?
)
UPDATE outbox_events
SET
	status = ?,
	attempt_count = 0,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ''
WHERE status = ?
AND seq IN (SELECT seq FROM to_requeue)
`,
		string(event.StatusFailed),
		limit,
		string(event.StatusPending),
		toMillis(now),
		string(event.StatusFailed),
	)
	if err != nil {
		return 0, classifyStoreError("requeue failed outbox events", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue failed outbox events rows affected: %w", err)
	}
	return int(affected), nil
}

// PurgePublishedOutboxEvents deletes published entries older than the
// retention cutoff. Pending and failed entries are never purged.
func (s *Store) PurgePublishedOutboxEvents(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	if limit <= 0 {
		return 0, fmt.Errorf("purge limit must be greater than zero")
	}
	if olderThan.IsZero() {
		return 0, fmt.Errorf("purge cutoff is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM outbox_events
WHERE status = ?
AND published_at IS NOT NULL
AND published_at <= ?
AND seq IN (
	SELECT seq
	FROM outbox_events
	WHERE status = ?
	AND published_at IS NOT NULL
	AND published_at <= ?
	ORDER BY seq ASC
	LIMIT ?
)
`,
		string(event.StatusPublished),
		toMillis(olderThan),
		string(event.StatusPublished),
		toMillis(olderThan),
		limit,
	)
	if err != nil {
		return 0, classifyStoreError("purge published outbox events", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge published outbox events rows affected: %w", err)
	}
	return int(affected), nil
}

type outboxScanner func(dest ...any) error

func scanOutboxEvent(scan outboxScanner) (event.OutboxEvent, error) {
	var (
		entry          event.OutboxEvent
		payloadJSON    string
		status         string
		nextAttemptAt  int64
		leaseExpiresAt sql.NullInt64
		publishedAt    sql.NullInt64
		createdAt      int64
	)
	if err := scan(
		&entry.Seq,
		&entry.ID,
		&entry.AggregateKind,
		&entry.AggregateID,
		&entry.Type,
		&payloadJSON,
		&status,
		&entry.AttemptCount,
		&nextAttemptAt,
		&entry.LeaseOwner,
		&leaseExpiresAt,
		&entry.LastError,
		&publishedAt,
		&createdAt,
	); err != nil {
		return event.OutboxEvent{}, err
	}

	parsed, err := event.ParseStatus(status)
	if err != nil {
		return event.OutboxEvent{}, err
	}
	payload, err := unmarshalPayload(payloadJSON)
	if err != nil {
		return event.OutboxEvent{}, err
	}
	entry.Status = parsed
	entry.Payload = payload
	entry.NextAttemptAt = fromMillis(nextAttemptAt)
	entry.LeaseExpiresAt = fromNullMillis(leaseExpiresAt)
	entry.PublishedAt = fromNullMillis(publishedAt)
	entry.CreatedAt = fromMillis(createdAt)
	return entry, nil
}

// Package sqlitestream provides a durable single-node event stream over
// SQLite. It is the publisher daemon's default bus target: an append-only
// log per stream that downstream consumers tail with ReadFrom.
package sqlitestream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratumlabs/stratum/internal/bus"
	"github.com/stratumlabs/stratum/internal/bus/sqlitestream/migrations"
	"github.com/stratumlabs/stratum/internal/domain/event"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

var _ bus.EventBus = (*Stream)(nil)

// Stream is an append-only event log in its own SQLite file, separate from
// the store of record. Appends are keyed by (stream, event ID) so a
// redelivered envelope acknowledges without a second row.
type Stream struct {
	sqlDB *sql.DB
}

// Entry is one appended envelope plus its position in the stream.
type Entry struct {
	Ordinal    int64
	Stream     string
	Envelope   event.Envelope
	AppendedAt time.Time
}

// Open opens the stream database and applies bundled migrations.
func Open(path string) (*Stream, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "stream path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open stream db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping stream db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run stream migrations: %w", err)
	}
	return &Stream{sqlDB: sqlDB}, nil
}

// Close releases the stream database connection.
func (s *Stream) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Publish appends env to the stream. Appending an envelope ID the stream
// has already recorded is an idempotent no-op ack, which makes redelivery
// after a crashed ledger acknowledgment safe.
func (s *Stream) Publish(ctx context.Context, stream string, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return apperrors.New(apperrors.CodeConfiguration, "stream is not configured")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return apperrors.New(apperrors.CodeConfiguration, "stream name is required")
	}
	if strings.TrimSpace(env.ID) == "" {
		return apperrors.New(apperrors.CodeConfiguration, "envelope id is required")
	}

	payloadJSON, err := marshalEnvelopePayload(env.Payload)
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", stream, err)
	}
	recordedAt := env.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO stream_events (
	stream,
	event_id,
	event_type,
	aggregate_kind,
	aggregate_id,
	payload_json,
	recorded_at,
	appended_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(stream, event_id) DO NOTHING
`,
		stream,
		env.ID,
		env.Type,
		env.AggregateKind,
		env.AggregateID,
		payloadJSON,
		recordedAt.UTC().UnixMilli(),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append stream event %s: %w", env.ID, err)
	}
	return nil
}

// ReadFrom returns up to limit entries appended to the stream after the
// given ordinal, in ordinal order. At-least-once consumers persist the last
// ordinal they handled and pass it back as the cursor.
func (s *Stream) ReadFrom(ctx context.Context, stream string, afterOrdinal int64, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "stream is not configured")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "stream name is required")
	}
	if limit <= 0 {
		return []Entry{}, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT ordinal, event_id, event_type, aggregate_kind, aggregate_id, payload_json, recorded_at, appended_at
FROM stream_events
WHERE stream = ? AND ordinal > ?
ORDER BY ordinal ASC
LIMIT ?
`, stream, afterOrdinal, limit)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", stream, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry       Entry
			payloadJSON string
			recordedAt  int64
			appendedAt  int64
		)
		if err := rows.Scan(
			&entry.Ordinal,
			&entry.Envelope.ID,
			&entry.Envelope.Type,
			&entry.Envelope.AggregateKind,
			&entry.Envelope.AggregateID,
			&payloadJSON,
			&recordedAt,
			&appendedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stream event: %w", err)
		}
		payload, err := unmarshalEnvelopePayload(payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("read stream %s: %w", stream, err)
		}
		entry.Stream = stream
		entry.Envelope.Payload = payload
		entry.Envelope.RecordedAt = time.UnixMilli(recordedAt).UTC()
		entry.AppendedAt = time.UnixMilli(appendedAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream %s: %w", stream, err)
	}
	return entries, nil
}

// Len reports how many entries a stream holds. Inspection tooling only.
func (s *Stream) Len(ctx context.Context, stream string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, apperrors.New(apperrors.CodeConfiguration, "stream is not configured")
	}

	var count int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM stream_events WHERE stream = ?
`, strings.TrimSpace(stream)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stream %s: %w", stream, err)
	}
	return count, nil
}

func marshalEnvelopePayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal envelope payload: %w", err)
	}
	return string(raw), nil
}

func unmarshalEnvelopePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal envelope payload: %w", err)
	}
	return payload, nil
}

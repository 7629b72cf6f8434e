package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/storage"
)

// AppendTelemetryEvent persists one operational telemetry event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt storage.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}

	evt.Name = strings.TrimSpace(evt.Name)
	evt.Severity = strings.TrimSpace(evt.Severity)
	if evt.Name == "" {
		return fmt.Errorf("telemetry event name is required")
	}
	if evt.Severity == "" {
		return fmt.Errorf("telemetry event severity is required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	attributesJSON, err := marshalPayload(evt.Attributes)
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO telemetry_events (
	name,
	severity,
	component,
	trace_id,
	span_id,
	attributes_json,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		evt.Name,
		evt.Severity,
		strings.TrimSpace(evt.Component),
		strings.TrimSpace(evt.TraceID),
		strings.TrimSpace(evt.SpanID),
		attributesJSON,
		toMillis(evt.Timestamp),
	)
	if err != nil {
		return classifyStoreError("append telemetry event", err)
	}
	return nil
}

// ListTelemetryEvents lists newest-first telemetry events.
func (s *Store) ListTelemetryEvents(ctx context.Context, limit int) ([]storage.TelemetryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, name, severity, component, trace_id, span_id, attributes_json, created_at
FROM telemetry_events
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, classifyStoreError("list telemetry events", err)
	}
	defer rows.Close()

	events := make([]storage.TelemetryEvent, 0, limit)
	for rows.Next() {
		var (
			evt            storage.TelemetryEvent
			attributesJSON string
			createdAt      int64
		)
		if err := rows.Scan(
			&evt.ID,
			&evt.Name,
			&evt.Severity,
			&evt.Component,
			&evt.TraceID,
			&evt.SpanID,
			&attributesJSON,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan telemetry event: %w", err)
		}
		attributes, err := unmarshalPayload(attributesJSON)
		if err != nil {
			return nil, fmt.Errorf("list telemetry events: %w", err)
		}
		evt.Attributes = attributes
		evt.Timestamp = fromMillis(createdAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry events: %w", err)
	}
	return events, nil
}

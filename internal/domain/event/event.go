// Package event defines outbox ledger entries and the envelopes that cross
// the event bus.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status describes where an outbox entry sits in its lifecycle.
type Status string

const (
	// StatusPending marks an entry awaiting publication. A pending entry
	// may carry an active lease while a publisher works on it.
	StatusPending Status = "pending"
	// StatusPublished marks an entry acknowledged by the event bus.
	StatusPublished Status = "published"
	// StatusFailed marks an entry that exhausted its attempts and is
	// quarantined until an operator requeues it.
	StatusFailed Status = "failed"
)

// ParseStatus normalizes a stored status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusPublished:
		return StatusPublished, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("invalid outbox status %q", value)
	}
}

// OutboxEvent is one ledger entry. It is created in the same transaction as
// the entity mutation it describes and never mutated afterwards except for
// status, attempt, and lease bookkeeping.
type OutboxEvent struct {
	// Seq is the ledger ordinal assigned by the cold store. Creation order
	// equals per-aggregate version order, so draining by Seq preserves
	// per-aggregate event ordering.
	Seq            int64
	ID             string
	AggregateKind  string
	AggregateID    string
	Type           string
	Payload        map[string]any
	CreatedAt      time.Time
	Status         Status
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	PublishedAt    *time.Time
}

// Envelope is what crosses the event bus. Consumers receive at-least-once
// delivery and must deduplicate on ID.
type Envelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AggregateKind string         `json:"aggregate_kind"`
	AggregateID   string         `json:"aggregate_id"`
	Payload       map[string]any `json:"payload"`
	RecordedAt    time.Time      `json:"recorded_at"`
}

// Envelope renders the bus envelope for this ledger entry.
func (e OutboxEvent) Envelope() Envelope {
	return Envelope{
		ID:            e.ID,
		Type:          e.Type,
		AggregateKind: e.AggregateKind,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		RecordedAt:    e.CreatedAt,
	}
}

// NewID mints a v4 UUID for an outbox event. Redeliveries of the same entry
// carry the same ID so downstream consumers can deduplicate.
func NewID() string {
	return uuid.NewString()
}

// Package bus defines the boundary the outbox publisher drains into.
//
// Delivery downstream of the bus is at-least-once: the same envelope may be
// published again after a crash between bus acknowledgment and ledger
// acknowledgment. Consumers deduplicate on envelope ID.
package bus

import (
	"context"
	"sync"

	"github.com/stratumlabs/stratum/internal/domain/event"
)

// EventBus accepts envelopes for a named stream. Publish returns once the
// bus has durably accepted the envelope; publishing the same envelope ID to
// the same stream again must succeed without a second delivery record.
type EventBus interface {
	Publish(ctx context.Context, stream string, env event.Envelope) error
}

// Deduper is a consumer-side seen-ID set for collapsing redeliveries.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper creates an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Seen records id and reports whether it had been recorded before. The first
// call for an id returns false, every later call returns true.
func (d *Deduper) Seen(id string) bool {
	if d == nil || id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	return false
}

// Len reports how many distinct IDs have been recorded.
func (d *Deduper) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

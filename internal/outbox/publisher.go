// Package outbox relays committed ledger entries onto the event bus.
//
// Entity writes land their outbox entry in the same transaction as the
// entity row; the Publisher closes the remaining gap. It leases due entries
// (head-of-line per aggregate, so publish order follows version order),
// publishes each at least once, retries with exponential backoff, and
// quarantines entries that exhaust their attempts. Redeliveries reuse the
// entry's event ID so consumers can deduplicate.
package outbox

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stratumlabs/stratum/internal/bus"
	"github.com/stratumlabs/stratum/internal/domain/event"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/platform/timeouts"
	"github.com/stratumlabs/stratum/internal/storage"
	"github.com/stratumlabs/stratum/internal/telemetry"
)

const (
	DefaultConsumer      = "publisher"
	DefaultPollInterval  = 2 * time.Second
	DefaultLeaseTTL      = 30 * time.Second
	DefaultMaxAttempts   = 8
	DefaultRetryBackoff  = time.Second
	DefaultRetryMaxDelay = 5 * time.Minute
	DefaultBatchSize     = 32
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// sweepBatch caps how many published rows one retention sweep deletes.
const sweepBatch = 512

// Config tunes one publisher loop. The zero value is usable; every field
// falls back to its default.
type Config struct {
	// Consumer identifies this loop in ledger leases.
	Consumer string
	// PollInterval is the drain cadence.
	PollInterval time.Duration
	// LeaseTTL bounds how long a claimed entry stays invisible before a
	// crashed publisher's work is claimable again.
	LeaseTTL time.Duration
	// MaxAttempts quarantines an entry once reached.
	MaxAttempts int
	// RetryBackoff is the first retry delay. It doubles per attempt, capped
	// at RetryMaxDelay.
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	// BatchSize caps entries leased per drain cycle.
	BatchSize int
	// PublishRate caps bus publishes per second. Zero means unlimited.
	PublishRate float64
	// PublishBurst is the limiter burst; meaningful only with PublishRate.
	PublishBurst int
	// Retention keeps published entries for audit before the sweep purges
	// them. Pending and failed entries are never purged.
	Retention time.Duration
	// SweepInterval is the purge cadence.
	SweepInterval time.Duration
	// Clock overrides the time source. Tests only.
	Clock func() time.Time
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Consumer) == "" {
		c.Consumer = DefaultConsumer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = 1
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Deps are the publisher's collaborators.
type Deps struct {
	// Ledger is the outbox view of the cold store. Required.
	Ledger storage.OutboxStore
	// Bus receives the envelopes. Required.
	Bus bus.EventBus
	// Telemetry receives operational events. Optional.
	Telemetry *telemetry.Emitter
	// Streams names the bus stream for an entry. Defaults to the entry's
	// aggregate kind.
	Streams func(event.OutboxEvent) string
}

// Stats counts publisher outcomes since construction.
type Stats struct {
	Published   int64
	Retried     int64
	Quarantined int64
	Purged      int64
}

// Publisher drains the outbox ledger onto the event bus.
type Publisher struct {
	cfg       Config
	ledger    storage.OutboxStore
	bus       bus.EventBus
	telemetry *telemetry.Emitter
	streams   func(event.OutboxEvent) string
	limiter   *rate.Limiter
	clock     func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New validates deps, applies config defaults, and builds a publisher.
func New(cfg Config, deps Deps) (*Publisher, error) {
	if deps.Ledger == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "outbox ledger is required")
	}
	if deps.Bus == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "event bus is required")
	}
	cfg = cfg.normalized()

	streams := deps.Streams
	if streams == nil {
		streams = func(entry event.OutboxEvent) string {
			return entry.AggregateKind
		}
	}
	var limiter *rate.Limiter
	if cfg.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst)
	}

	return &Publisher{
		cfg:       cfg,
		ledger:    deps.Ledger,
		bus:       deps.Bus,
		telemetry: deps.Telemetry,
		streams:   streams,
		limiter:   limiter,
		clock:     cfg.Clock,
	}, nil
}

// Run drains the ledger until ctx ends, then returns nil. The first drain
// happens immediately; afterwards the loop wakes every PollInterval. A
// second timer sweeps published entries past retention.
func (p *Publisher) Run(ctx context.Context) error {
	if p == nil {
		return apperrors.New(apperrors.CodeConfiguration, "publisher is not configured")
	}

	if _, err := p.DrainOnce(ctx); err != nil && ctx.Err() == nil {
		log.Printf("outbox drain: %v", err)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	sweeper := time.NewTicker(p.cfg.SweepInterval)
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("outbox drain: %v", err)
			}
		case <-sweeper.C:
			if _, err := p.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("outbox sweep: %v", err)
			}
		}
	}
}

// DrainOnce leases one batch of due head entries and relays them to the bus,
// reporting how many published. Cancellation stops the cycle between
// entries; an in-flight publish is always acknowledged before return.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	if p == nil {
		return 0, apperrors.New(apperrors.CodeConfiguration, "publisher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	entries, err := p.ledger.LeaseOutboxHead(ctx, p.cfg.Consumer, p.cfg.BatchSize, p.clock(), p.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease outbox head: %w", err)
	}

	published := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if p.publishOne(ctx, entry) {
			published++
		}
	}
	return published, nil
}

// SweepOnce purges published entries older than the retention window and
// emits a ledger depth summary. It reports how many entries were purged.
func (p *Publisher) SweepOnce(ctx context.Context) (int, error) {
	if p == nil {
		return 0, apperrors.New(apperrors.CodeConfiguration, "publisher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoff := p.clock().Add(-p.cfg.Retention)
	purged, err := p.ledger.PurgePublishedOutboxEvents(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("purge published outbox events: %w", err)
	}
	if purged > 0 {
		p.mu.Lock()
		p.stats.Purged += int64(purged)
		p.mu.Unlock()
	}

	summary, err := p.ledger.GetOutboxSummary(ctx)
	if err != nil {
		return purged, fmt.Errorf("summarize outbox: %w", err)
	}
	p.telemetry.Emit(ctx, storage.TelemetryEvent{
		Name:      "outbox.sweep",
		Severity:  "INFO",
		Component: "outbox",
		Attributes: map[string]any{
			"purged":    purged,
			"pending":   summary.PendingCount,
			"published": summary.PublishedCount,
			"failed":    summary.FailedCount,
		},
	})
	return purged, nil
}

// Stats returns a snapshot of the publisher's counters.
func (p *Publisher) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// publishOne relays a single leased entry and records the outcome. It
// reports whether the entry was published and acknowledged.
func (p *Publisher) publishOne(ctx context.Context, entry event.OutboxEvent) bool {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutdown mid-wait. The lease expires and the entry is
			// claimable again.
			return false
		}
	}

	pubErr := p.bus.Publish(ctx, p.streams(entry), entry.Envelope())

	// Outcomes are recorded on a detached context so a shutdown mid-drain
	// cannot leave a published entry unacknowledged.
	ackCtx, cancel := context.WithTimeout(context.Background(), timeouts.OutboxAck)
	defer cancel()

	if pubErr == nil {
		if err := p.ledger.MarkOutboxPublished(ackCtx, entry.ID, p.cfg.Consumer, p.clock()); err != nil {
			log.Printf("ack outbox event %s: %v", entry.ID, err)
			return false
		}
		p.mu.Lock()
		p.stats.Published++
		p.mu.Unlock()
		return true
	}

	if ctx.Err() != nil {
		// Shutdown raced the publish. Leave the lease to expire rather than
		// charging the entry an attempt; redelivery reuses the event ID.
		return false
	}

	attempt := entry.AttemptCount + 1
	if attempt >= p.cfg.MaxAttempts {
		p.quarantine(ackCtx, entry, attempt, pubErr)
		return false
	}

	next := p.clock().Add(p.retryDelay(attempt))
	if err := p.ledger.MarkOutboxRetry(ackCtx, entry.ID, p.cfg.Consumer, next, pubErr.Error()); err != nil {
		log.Printf("schedule outbox retry %s: %v", entry.ID, err)
		return false
	}
	p.mu.Lock()
	p.stats.Retried++
	p.mu.Unlock()
	return false
}

// quarantine parks an entry that exhausted its attempts. The entry's
// aggregate stays blocked behind it until an operator requeues; other
// aggregates keep draining.
func (p *Publisher) quarantine(ctx context.Context, entry event.OutboxEvent, attempt int, pubErr error) {
	if err := p.ledger.MarkOutboxFailed(ctx, entry.ID, p.cfg.Consumer, pubErr.Error(), p.clock()); err != nil {
		log.Printf("quarantine outbox event %s: %v", entry.ID, err)
		return
	}
	p.mu.Lock()
	p.stats.Quarantined++
	p.mu.Unlock()

	log.Printf("outbox event %s quarantined after %d attempts: %v", entry.ID, attempt, pubErr)
	p.telemetry.Emit(ctx, storage.TelemetryEvent{
		Name:      "outbox.quarantined",
		Severity:  "WARN",
		Component: "outbox",
		Attributes: map[string]any{
			"event_id":       entry.ID,
			"event_type":     entry.Type,
			"aggregate_kind": entry.AggregateKind,
			"aggregate_id":   entry.AggregateID,
			"attempts":       attempt,
			"last_error":     pubErr.Error(),
		},
	})
}

// retryDelay doubles the base backoff per prior attempt, capped at
// RetryMaxDelay.
func (p *Publisher) retryDelay(attempt int) time.Duration {
	delay := p.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.RetryMaxDelay {
			return p.cfg.RetryMaxDelay
		}
	}
	if delay > p.cfg.RetryMaxDelay {
		return p.cfg.RetryMaxDelay
	}
	return delay
}

// Package state implements the hot/cold state abstraction: a read-through,
// write-through façade over a fast cache and the durable store of record.
//
// The cold store is always the source of truth. The hot store only ever
// holds copies that readers may repopulate; writes invalidate instead of
// overwriting so a failed cache update can never serve stale state as fresh.
// Hot-store failures degrade reads to cold lookups and are logged, never
// returned.
package state

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/entity"
	"github.com/stratumlabs/stratum/internal/domain/event"
	apperrors "github.com/stratumlabs/stratum/internal/platform/errors"
	"github.com/stratumlabs/stratum/internal/storage"
)

// DefaultTTL bounds how long a hot copy may serve reads before the next
// reader refreshes it from the cold store.
const DefaultTTL = 5 * time.Minute

// Config assembles a state service.
type Config struct {
	// Hot is optional; a nil hot store disables caching and every read
	// goes to the cold store.
	Hot storage.HotStore
	// Cold is the durable store of record. Required.
	Cold storage.EntityStore
	// TTL bounds hot copies. Zero or negative selects DefaultTTL.
	TTL time.Duration
	// Clock overrides the time source. Tests only.
	Clock func() time.Time
	// IDGen overrides outbox event ID minting. Tests only.
	IDGen func() string
}

// Service is the state-core façade realm services write and read through.
type Service struct {
	hot   storage.HotStore
	cold  storage.EntityStore
	ttl   time.Duration
	clock func() time.Time
	idGen func() string
}

// New validates cfg and builds a service.
func New(cfg Config) (*Service, error) {
	if cfg.Cold == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "cold store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := cfg.IDGen
	if idGen == nil {
		idGen = event.NewID
	}
	return &Service{
		hot:   cfg.Hot,
		cold:  cfg.Cold,
		ttl:   ttl,
		clock: clock,
		idGen: idGen,
	}, nil
}

// cachedRecord is the JSON envelope a record travels in through the hot
// store.
type cachedRecord struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Payload   map[string]any `json:"payload"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Get returns the record for (kind, id), serving from the hot store when a
// fresh copy exists and falling back to the cold store otherwise. Cold reads
// repopulate the hot store with the configured TTL.
func (s *Service) Get(ctx context.Context, kind, id string) (entity.Record, error) {
	if err := ctx.Err(); err != nil {
		return entity.Record{}, err
	}
	if s == nil {
		return entity.Record{}, apperrors.New(apperrors.CodeConfiguration, "state service is not configured")
	}
	key, err := entity.NewKey(kind, id)
	if err != nil {
		return entity.Record{}, err
	}

	if rec, ok := s.readHot(ctx, key); ok {
		return rec, nil
	}

	rec, err := s.cold.GetEntity(ctx, key.Kind, key.ID)
	if err != nil {
		return entity.Record{}, err
	}
	s.writeHot(ctx, key, rec)
	return rec, nil
}

// Put writes payload as the next version of (kind, id) together with one
// outbox event in a single cold-store transaction. expectedVersion zero
// creates the record; otherwise the stored version must match or the write
// fails with a version conflict and nothing is recorded. On success the hot
// copy is invalidated, never overwritten, so the next reader repopulates
// from the store of record.
func (s *Service) Put(ctx context.Context, kind, id string, expectedVersion int64, payload map[string]any, eventType string) (entity.Record, error) {
	if err := ctx.Err(); err != nil {
		return entity.Record{}, err
	}
	if s == nil {
		return entity.Record{}, apperrors.New(apperrors.CodeConfiguration, "state service is not configured")
	}
	key, err := entity.NewKey(kind, id)
	if err != nil {
		return entity.Record{}, err
	}
	if err := entity.ValidateVersion(expectedVersion); err != nil {
		return entity.Record{}, err
	}
	if eventType == "" {
		return entity.Record{}, apperrors.New(apperrors.CodeEventTypeEmpty, "event type is required")
	}

	now := s.clock().UTC()
	newVersion := expectedVersion + 1

	eventPayload := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		eventPayload[k] = v
	}
	eventPayload["kind"] = key.Kind
	eventPayload["id"] = key.ID
	eventPayload["version"] = newVersion

	stored, err := s.cold.PutEntityWithOutboxEvent(ctx, entity.Record{
		Kind:      key.Kind,
		ID:        key.ID,
		Payload:   payload,
		UpdatedAt: now,
	}, expectedVersion, event.OutboxEvent{
		ID:            s.idGen(),
		AggregateKind: key.Kind,
		AggregateID:   key.ID,
		Type:          eventType,
		Payload:       eventPayload,
		CreatedAt:     now,
	})
	if err != nil {
		return entity.Record{}, err
	}

	if s.hot != nil {
		if err := s.hot.Delete(ctx, key.CacheKey()); err != nil {
			log.Printf("invalidate %s: %v", key.CacheKey(), err)
		}
	}
	return stored, nil
}

// Invalidate drops the hot copy of (kind, id) unconditionally. It returns an
// error only when the hot store reports one; callers may ignore it.
func (s *Service) Invalidate(ctx context.Context, kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return apperrors.New(apperrors.CodeConfiguration, "state service is not configured")
	}
	key, err := entity.NewKey(kind, id)
	if err != nil {
		return err
	}
	if s.hot == nil {
		return nil
	}
	return s.hot.Delete(ctx, key.CacheKey())
}

// readHot returns the cached record for key when a decodeable copy exists.
// Malformed entries are deleted and reported as misses; hot-store errors are
// logged and reported as misses.
func (s *Service) readHot(ctx context.Context, key entity.Key) (entity.Record, bool) {
	if s.hot == nil {
		return entity.Record{}, false
	}
	raw, ok, err := s.hot.Get(ctx, key.CacheKey())
	if err != nil {
		log.Printf("hot get %s: %v", key.CacheKey(), err)
		return entity.Record{}, false
	}
	if !ok {
		return entity.Record{}, false
	}

	var cached cachedRecord
	if err := json.Unmarshal(raw, &cached); err != nil || cached.Version <= 0 {
		if delErr := s.hot.Delete(ctx, key.CacheKey()); delErr != nil {
			log.Printf("drop malformed cache entry %s: %v", key.CacheKey(), delErr)
		}
		return entity.Record{}, false
	}
	return entity.Record{
		Kind:      key.Kind,
		ID:        key.ID,
		Version:   cached.Version,
		Payload:   cached.Payload,
		UpdatedAt: cached.UpdatedAt,
	}, true
}

// writeHot caches rec under key with the service TTL. Failures are logged
// and otherwise ignored; the next reader simply misses.
func (s *Service) writeHot(ctx context.Context, key entity.Key, rec entity.Record) {
	if s.hot == nil {
		return
	}
	raw, err := json.Marshal(cachedRecord{
		Kind:      rec.Kind,
		ID:        rec.ID,
		Version:   rec.Version,
		Payload:   rec.Payload,
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		log.Printf("encode cache entry %s: %v", key.CacheKey(), err)
		return
	}
	if err := s.hot.Set(ctx, key.CacheKey(), raw, s.ttl); err != nil {
		log.Printf("hot set %s: %v", key.CacheKey(), err)
	}
}

// Package memory provides an in-process hot store with per-entry expiry.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stratumlabs/stratum/internal/platform/errors"
)

type hotEntry struct {
	value     []byte
	expiresAt time.Time
}

// HotStore is a mutex-guarded key/value cache. Entries expire lazily on
// read; an optional background sweeper reclaims expired entries that are
// never read again. All methods are goroutine-safe.
type HotStore struct {
	mu         sync.Mutex
	entries    map[string]hotEntry
	maxEntries int
	clock      func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a HotStore.
type Option func(*HotStore)

// WithMaxEntries bounds the cache. At capacity, Set evicts expired entries
// first and the entry closest to expiry after that.
func WithMaxEntries(n int) Option {
	return func(s *HotStore) {
		s.maxEntries = n
	}
}

// WithSweepInterval starts a background goroutine that drops expired
// entries every interval. Callers that enable it must Close the store.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *HotStore) {
		s.sweepEvery = interval
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *HotStore) {
		s.clock = clock
	}
}

// NewHotStore creates an empty hot store.
func NewHotStore(opts ...Option) *HotStore {
	store := &HotStore{
		entries: make(map[string]hotEntry),
		clock:   time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.sweepEvery > 0 {
		go store.sweep()
	}
	return store
}

// Get returns the cached value for key. Expired entries are removed and
// reported as misses.
func (s *HotStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s == nil {
		return nil, false, errors.New(errors.CodeConfiguration, "hot store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !s.clock().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Set stores value under key. A ttl of zero or less stores the entry
// without expiry.
func (s *HotStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New(errors.CodeConfiguration, "hot store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New(errors.CodeEntityKindEmpty, "cache key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		if _, exists := s.entries[key]; !exists {
			s.evictLocked(now)
		}
	}

	entry := hotEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

// Delete removes key unconditionally. Deleting an absent key is a no-op.
func (s *HotStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New(errors.CodeConfiguration, "hot store is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, strings.TrimSpace(key))
	return nil
}

// Len reports the number of resident entries, expired ones included.
func (s *HotStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweeper. Safe to call multiple times and on
// stores without a sweeper.
func (s *HotStore) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// evictLocked frees one slot: expired entries go first, then the entry
// closest to expiry. Entries without expiry are evicted only when nothing
// expiring remains. Caller must hold s.mu.
func (s *HotStore) evictLocked(now time.Time) {
	var (
		victim      string
		victimAt    time.Time
		haveExpiry  bool
		fallbackKey string
	)
	for key, entry := range s.entries {
		if entry.expiresAt.IsZero() {
			fallbackKey = key
			continue
		}
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			return
		}
		if !haveExpiry || entry.expiresAt.Before(victimAt) {
			victim = key
			victimAt = entry.expiresAt
			haveExpiry = true
		}
	}
	if haveExpiry {
		delete(s.entries, victim)
		return
	}
	if fallbackKey != "" {
		delete(s.entries, fallbackKey)
	}
}

func (s *HotStore) sweep() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := s.clock()
			s.mu.Lock()
			for key, entry := range s.entries {
				if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

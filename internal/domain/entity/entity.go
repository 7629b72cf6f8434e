// Package entity defines the entity records managed by the state core.
package entity

import (
	"strconv"
	"strings"
	"time"

	"github.com/stratumlabs/stratum/internal/platform/errors"
)

// Record is one versioned entity. The cold store is the source of truth;
// hot store copies are a cache and may lag behind.
type Record struct {
	Kind      string
	ID        string
	Version   int64
	Payload   map[string]any
	UpdatedAt time.Time
}

// Key identifies a record by (kind, id).
type Key struct {
	Kind string
	ID   string
}

// NewKey validates and normalizes a record key.
func NewKey(kind, id string) (Key, error) {
	kind = strings.TrimSpace(kind)
	id = strings.TrimSpace(id)
	if kind == "" {
		return Key{}, errors.New(errors.CodeEntityKindEmpty, "entity kind is required")
	}
	if id == "" {
		return Key{}, errors.New(errors.CodeEntityIDEmpty, "entity id is required")
	}
	return Key{Kind: kind, ID: id}, nil
}

// CacheKey renders the hot-store key for this record.
func (k Key) CacheKey() string {
	return k.Kind + ":" + k.ID
}

// Key returns the record's key.
func (r Record) Key() Key {
	return Key{Kind: r.Kind, ID: r.ID}
}

// ValidateVersion rejects negative expected versions. Version 0 means the
// caller expects the record not to exist yet.
func ValidateVersion(version int64) error {
	if version < 0 {
		return errors.WithMetadata(errors.CodeEntityVersionNegative, "expected version must not be negative", map[string]string{
			"version": strconv.FormatInt(version, 10),
		})
	}
	return nil
}

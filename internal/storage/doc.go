// Package storage defines the persistence interfaces for the state core.
//
// It separates the hot cache surface (HotStore) from the durable store of
// record (EntityStore, OutboxStore, GraphStore, TelemetryStore).
// Implementations of these interfaces (in-memory, SQLite) live in
// subpackages; realm code never touches them directly and goes through the
// state and lineage services instead.
//
// # Error Types
//
// The package defines common error types used across storage implementations:
//   - ErrNotFound: Indicates a requested record is missing.
//   - ErrVersionConflict: Indicates a conditional write lost to a concurrent writer.
package storage

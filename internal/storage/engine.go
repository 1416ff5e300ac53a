package storage

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrStorageClosed = errors.New("storage engine is closed")
	ErrCorruptData   = errors.New("data corruption detected")
	ErrLocked        = errors.New("store directory is locked by another process")
)

// Kind identifies a storage engine implementation.
type Kind string

const (
	// KindLog is the log-structured engine implemented by KvStore.
	KindLog Kind = "kvs"
	// KindPebble is the pebble-backed engine.
	KindPebble Kind = "pebble"
)

// ParseKind validates an engine identifier.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLog, "":
		return KindLog, nil
	case KindPebble:
		return KindPebble, nil
	default:
		return "", fmt.Errorf("unknown storage engine %q (want %q or %q)", s, KindLog, KindPebble)
	}
}

// Engine defines the interface for the storage backend.
// Implementations are not safe for concurrent use; callers serialize access.
type Engine interface {
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Get returns the value for key. found is false when the key was never
	// written, has been removed, or key is empty.
	Get(key string) (value string, found bool, err error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Keys returns all live keys in ascending order.
	Keys() ([]string, error)

	// Compact reclaims space held by overwritten and removed records.
	Compact() error

	// Sync persists whatever the engine needs for bounded-time recovery.
	Sync() error

	// Stats returns storage statistics.
	Stats() Stats

	// Close flushes pending writes and releases all file handles.
	Close() error
}

// Stats contains storage engine statistics. IndexEntries counts every key
// the index holds, including removed keys not yet compacted away; LiveKeys
// counts only those Get would find.
type Stats struct {
	Engine        Kind   `json:"engine"`
	IndexEntries  int64  `json:"index_entries"`
	LiveKeys      int64  `json:"live_keys"`
	Segments      int    `json:"segments"`
	ActiveSegment uint64 `json:"active_segment"`
	ActiveBytes   int64  `json:"active_bytes"`
	SealedBytes   int64  `json:"sealed_bytes"`
	TotalReads    uint64 `json:"total_reads"`
	TotalWrites   uint64 `json:"total_writes"`
	TotalRemoves  uint64 `json:"total_removes"`
	Compactions   uint64 `json:"compactions"`
}

package storage

import (
	"sort"
)

// IndexEntry stores the location of a key's most recent write
type IndexEntry struct {
	Key     string `json:"key"`
	Segment uint64 `json:"segment"` // Segment id holding the frame
	Offset  int64  `json:"offset"`  // Position of the frame's length prefix
	Length  int64  `json:"length"`  // Payload length in bytes
}

// end is the offset just past the frame's payload.
func (e IndexEntry) end() int64 {
	return e.Offset + frameHeaderSize + e.Length
}

// Index is an in-memory map for key lookups. It holds at most one entry per
// key and is owned by a single KvStore; it does no locking of its own.
type Index struct {
	entries map[string]IndexEntry
}

// NewIndex creates a new in-memory index
func NewIndex() *Index {
	return &Index{
		entries: make(map[string]IndexEntry),
	}
}

// Get retrieves an index entry by key
func (idx *Index) Get(key string) (IndexEntry, bool) {
	entry, exists := idx.entries[key]
	return entry, exists
}

// Put adds or replaces the entry for entry.Key
func (idx *Index) Put(entry IndexEntry) {
	idx.entries[entry.Key] = entry
}

// Delete drops the entry for key. Used by recovery and compaction only;
// a logical remove leaves the entry in place.
func (idx *Index) Delete(key string) {
	delete(idx.entries, key)
}

// Len returns the number of entries
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Keys returns every indexed key in ascending order
func (idx *Index) Keys() []string {
	keys := make([]string, 0, len(idx.entries))
	for key := range idx.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of all entries ordered by key
func (idx *Index) Entries() []IndexEntry {
	result := make([]IndexEntry, 0, len(idx.entries))
	for _, key := range idx.Keys() {
		result = append(result, idx.entries[key])
	}
	return result
}

// BySegment partitions the entries by segment id. Each partition is ordered
// by offset, which is the order the frames appear on disk.
func (idx *Index) BySegment() map[uint64][]IndexEntry {
	parts := make(map[uint64][]IndexEntry)
	for _, e := range idx.entries {
		parts[e.Segment] = append(parts[e.Segment], e)
	}
	for _, p := range parts {
		sort.Slice(p, func(i, j int) bool { return p[i].Offset < p[j].Offset })
	}
	return parts
}

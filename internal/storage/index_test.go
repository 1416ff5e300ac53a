package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexBasicOperations(t *testing.T) {
	idx := NewIndex()

	idx.Put(IndexEntry{Key: "b", Segment: 1, Offset: 40, Length: 10})
	idx.Put(IndexEntry{Key: "a", Segment: 0, Offset: 0, Length: 12})
	idx.Put(IndexEntry{Key: "c", Segment: 1, Offset: 0, Length: 20})

	e, ok := idx.Get("b")
	require.True(t, ok)
	assert.Equal(t, int64(40), e.Offset)

	idx.Put(IndexEntry{Key: "b", Segment: 2, Offset: 8, Length: 10})
	e, _ = idx.Get("b")
	assert.Equal(t, uint64(2), e.Segment)
	assert.Equal(t, 3, idx.Len())

	assert.Equal(t, []string{"a", "b", "c"}, idx.Keys())

	idx.Delete("a")
	_, ok = idx.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, idx.Len())
}

func TestIndexBySegment(t *testing.T) {
	idx := NewIndex()
	idx.Put(IndexEntry{Key: "x", Segment: 3, Offset: 90, Length: 1})
	idx.Put(IndexEntry{Key: "y", Segment: 3, Offset: 10, Length: 1})
	idx.Put(IndexEntry{Key: "z", Segment: 5, Offset: 0, Length: 1})

	parts := idx.BySegment()
	require.Len(t, parts, 2)
	require.Len(t, parts[3], 2)
	assert.Equal(t, "y", parts[3][0].Key)
	assert.Equal(t, "x", parts[3][1].Key)
	assert.Equal(t, "z", parts[5][0].Key)
}

func TestCheckpointAndRebuildIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), indexFileName)

	idx := NewIndex()
	idx.Put(IndexEntry{Key: "a", Segment: 0, Offset: 0, Length: 30})
	idx.Put(IndexEntry{Key: "b", Segment: 1, Offset: 38, Length: 31})
	require.NoError(t, checkpointIndex(idx, path))
	assert.NoFileExists(t, path+".tmp")

	got, load, err := rebuildIndex(path, slog.Default())
	require.NoError(t, err)
	assert.False(t, load.degraded())
	assert.Equal(t, 2, load.records)
	assert.Equal(t, idx.Entries(), got.Entries())

	// A checkpoint truncates whatever was there before.
	small := NewIndex()
	small.Put(IndexEntry{Key: "c", Segment: 0, Offset: 0, Length: 5})
	require.NoError(t, checkpointIndex(small, path))

	got, _, err = rebuildIndex(path, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got.Keys())
}

func TestRebuildIndexSkipsDeadAndMalformedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), indexFileName)

	good1, err := encodeIndexEntry(IndexEntry{Key: "a", Segment: 0, Offset: 0, Length: 3})
	require.NoError(t, err)
	good2, err := encodeIndexEntry(IndexEntry{Key: "b", Segment: 0, Offset: 11, Length: 3})
	require.NoError(t, err)
	dead := encodeFrame(good2)
	putFrameLength(dead, -int64(len(good2)))

	var data []byte
	data = append(data, encodeFrame(good1)...)
	data = append(data, encodeFrame([]byte(`{"key": 42`))...)
	data = append(data, dead...)
	data = append(data, encodeFrame(good2)...)
	require.NoError(t, os.WriteFile(path, data, 0644))

	idx, load, err := rebuildIndex(path, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 2, load.records)
	assert.Equal(t, 1, load.dead)
	assert.Equal(t, 1, load.dropped)
	assert.False(t, load.torn)
	assert.True(t, load.degraded())
	assert.Equal(t, []string{"a", "b"}, idx.Keys())
}

func TestRebuildIndexMissingFile(t *testing.T) {
	_, _, err := rebuildIndex(filepath.Join(t.TempDir(), "nope.idx"), slog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.True(t, IsKind(err, KindIO))
}

func TestValidateIndex(t *testing.T) {
	idx := NewIndex()
	idx.Put(IndexEntry{Key: "a", Segment: 0, Offset: 0, Length: 10})
	assert.NoError(t, validateIndex(idx, map[uint64]int64{0: 18}))
	assert.Error(t, validateIndex(idx, map[uint64]int64{0: 17}))
	assert.Error(t, validateIndex(idx, map[uint64]int64{1: 100}))
}

func TestDiscoverSegments(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"file_10.bdd", "file_2.bdd", "file_0.bdd",
		"file_3.bdd.bak", "file_4.bdd.compact", "file_x.bdd",
		"kvindex.idx", "LOCK", "notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "file_7.bdd"), 0755))

	ids, err := discoverSegments(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 2, 10}, ids)
}

func TestReplaySegmentsLastWriterWins(t *testing.T) {
	dir := t.TempDir()

	write := func(id uint64, recs ...Record) {
		var data []byte
		for _, r := range recs {
			payload, err := encodeRecord(r)
			require.NoError(t, err)
			data = append(data, encodeFrame(payload)...)
		}
		require.NoError(t, os.WriteFile(segmentPath(dir, id), data, 0644))
	}
	write(0, newRecord("a", "1"), newRecord("b", "1"))
	write(1, newRecord("a", "2"), newRecord("c", "1"))

	idx, err := replaySegments(dir, []uint64{0, 1}, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, idx.Keys())
	a, _ := idx.Get("a")
	assert.Equal(t, uint64(1), a.Segment)
	assert.Equal(t, int64(0), a.Offset)
}

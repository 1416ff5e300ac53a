package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// indexLog is the append handle on kvindex.idx. Every Set appends the new
// IndexEntry as a frame; checkpoint rewrites the file from the live Index.
type indexLog struct {
	path string
	file *os.File
}

func openIndexLog(path string) (*indexLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, ioErr("open index log", path, err)
	}
	return &indexLog{path: path, file: f}, nil
}

func encodeIndexEntry(e IndexEntry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, serErr("encode index entry", err)
	}
	return b, nil
}

// append writes one entry frame straight to the file.
func (l *indexLog) append(e IndexEntry) error {
	payload, err := encodeIndexEntry(e)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(encodeFrame(payload)); err != nil {
		return ioErr("append index log", l.path, err)
	}
	return nil
}

func (l *indexLog) sync() error {
	if err := l.file.Sync(); err != nil {
		return ioErr("sync index log", l.path, err)
	}
	return nil
}

func (l *indexLog) Close() error {
	if err := l.file.Close(); err != nil {
		return ioErr("close index log", l.path, err)
	}
	return nil
}

// checkpointIndex writes every entry of idx to a fresh file at path. The file
// is built next to path and renamed over it, so a crash mid-checkpoint leaves
// the previous index log intact.
func checkpointIndex(idx *Index, path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return ioErr("checkpoint", tmp, err)
	}

	w := bufio.NewWriterSize(f, 64*1024)
	for _, e := range idx.Entries() {
		payload, err := encodeIndexEntry(e)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(encodeFrame(payload)); err != nil {
			f.Close()
			os.Remove(tmp)
			return ioErr("checkpoint", tmp, err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioErr("checkpoint", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioErr("checkpoint", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ioErr("checkpoint", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ioErr("checkpoint", path, err)
	}
	return nil
}

// indexLoad summarizes what rebuildIndex saw.
type indexLoad struct {
	records int // entries applied
	dead    int // negative frames skipped
	dropped int // records that failed to decode
	torn    bool
}

// degraded reports whether the log could not be applied in full.
func (l indexLoad) degraded() bool {
	return l.dropped > 0 || l.torn
}

// rebuildIndex replays an index log. Dead frames are skipped; records that
// fail to decode are logged and dropped without aborting the load. A missing
// file is reported with an error satisfying errors.Is(err, os.ErrNotExist).
func rebuildIndex(path string, logger *slog.Logger) (*Index, indexLoad, error) {
	var load indexLoad

	f, err := os.Open(path)
	if err != nil {
		return nil, load, ioErr("rebuild index", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, load, ioErr("rebuild index", path, err)
	}

	idx := NewIndex()
	sc := newFrameScanner(f, info.Size())
	for sc.Next() {
		if !sc.Live() {
			load.dead++
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal(sc.Payload(), &e); err != nil {
			load.dropped++
			logger.Warn("dropping malformed index record", "path", path, "offset", sc.Offset(), "error", err)
			continue
		}
		idx.Put(e)
		load.records++
	}

	if err := sc.Err(); err != nil {
		if !errors.Is(err, errTornFrame) {
			return nil, load, ioErr("rebuild index", path, err)
		}
		load.torn = true
		logger.Warn("index log ends with a truncated frame", "path", path, "error", err)
	}

	return idx, load, nil
}

// validateIndex checks that every entry points inside a known segment.
func validateIndex(idx *Index, sizes map[uint64]int64) error {
	for _, e := range idx.Entries() {
		size, ok := sizes[e.Segment]
		if !ok {
			return fmt.Errorf("key %q references missing segment %d", e.Key, e.Segment)
		}
		if e.Offset < 0 || e.Length <= 0 || e.end() > size {
			return fmt.Errorf("key %q references bytes [%d,%d) beyond segment %d size %d",
				e.Key, e.Offset, e.end(), e.Segment, size)
		}
	}
	return nil
}

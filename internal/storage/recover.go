package storage

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// replaySegments rebuilds the index from the segment files themselves.
// Segments are read in ascending id order and frames in file order, so the
// last write of a key wins. A dead frame whose payload still decodes removes
// the key as of that position.
func replaySegments(dir string, ids []uint64, logger *slog.Logger) (*Index, error) {
	idx := NewIndex()

	for _, id := range ids {
		path := segmentPath(dir, id)
		f, err := os.Open(path)
		if err != nil {
			return nil, ioErr("replay", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ioErr("replay", path, err)
		}

		sc := newFrameScanner(f, info.Size())
		for sc.Next() {
			rec, err := decodeRecord(sc.Payload())
			if err != nil {
				logger.Warn("skipping unreadable frame during replay",
					"segment", id, "offset", sc.Offset(), "error", err)
				continue
			}
			if sc.Live() {
				idx.Put(IndexEntry{
					Key:     rec.Key,
					Segment: id,
					Offset:  sc.Offset(),
					Length:  sc.Length(),
				})
			} else {
				idx.Delete(rec.Key)
			}
		}
		err = sc.Err()
		f.Close()

		if err != nil {
			if !errors.Is(err, errTornFrame) {
				return nil, ioErr("replay", path, err)
			}
			logger.Warn("segment ends with a truncated frame", "segment", id, "error", err)
		}
	}

	return idx, nil
}

// trimTornTail cuts a truncated frame off the end of the active segment so
// the next append starts on a frame boundary. The cut bytes are kept in a
// ".torn" file next to the segment.
func trimTornTail(dir string, id uint64, logger *slog.Logger) error {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ioErr("trim", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ioErr("trim", path, err)
	}
	size := info.Size()

	sc := newFrameScanner(f, size)
	for sc.Next() {
	}
	if err := sc.Err(); err == nil {
		return nil
	} else if !errors.Is(err, errTornFrame) {
		return ioErr("trim", path, err)
	}
	end := sc.End()

	tail := make([]byte, size-end)
	if _, err := f.ReadAt(tail, end); err != nil {
		return ioErr("trim", path, err)
	}
	if err := os.WriteFile(path+tornSuffix, tail, 0644); err != nil {
		return ioErr("trim", path+tornSuffix, err)
	}
	if err := f.Truncate(end); err != nil {
		return ioErr("trim", path, err)
	}
	if err := f.Sync(); err != nil {
		return ioErr("trim", path, err)
	}

	logger.Warn("truncated torn frame at end of active segment",
		"segment", id, "offset", end, "bytes", len(tail), "saved_to", filepath.Base(path+tornSuffix))
	return nil
}

// recoverCompaction cleans up after a compaction that was interrupted.
// Unfinished outputs are removed. If the crash hit between moving a segment
// to its backup name and promoting the output, the backup is put back: the
// index log on disk still describes the pre-compaction layout.
func recoverCompaction(dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ioErr("recover compaction", dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, compactSuffix) {
			continue
		}
		canonical := strings.TrimSuffix(name, compactSuffix)
		if segmentFilePattern.MatchString(canonical) {
			restored, err := restoreBackup(dir, canonical)
			if err != nil {
				return err
			}
			if restored {
				logger.Warn("restored segment from backup", "file", canonical)
			}
		}

		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			return ioErr("recover compaction", path, err)
		}
		logger.Warn("removed unfinished compaction output", "file", name)
	}
	return nil
}

func restoreBackup(dir, canonical string) (bool, error) {
	path := filepath.Join(dir, canonical)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	backup := path + backupSuffix
	if _, err := os.Stat(backup); err != nil {
		return false, nil
	}
	if err := os.Rename(backup, path); err != nil {
		return false, ioErr("restore backup", backup, err)
	}
	return true, nil
}

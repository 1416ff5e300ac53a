package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// compactPlan is the work a compaction pass derived from the index.
type compactPlan struct {
	live       map[uint64][]IndexEntry // per sealed segment, ordered by offset
	referenced *roaring64.Bitmap       // sealed segments holding at least one live frame
	retire     []uint64                // sealed segments with nothing live
	dropped    int                     // tombstoned entries removed from the index
}

// Compact rewrites every sealed segment so that it holds only the frames the
// index references, in their original order. Sealed segments left without
// live frames are retired. Superseded files are renamed with a .bak suffix and
// reported through Options.OnSuperseded. The active segment is never touched.
//
// Before the first rename the index log is removed, so a crash part way
// through makes the next Open rebuild the index from the segments. An error
// after that point reloads the store from the directory the same way.
func (s *KvStore) Compact() error {
	if s.closed {
		return ErrStorageClosed
	}
	start := time.Now()

	if err := s.writer.sync(); err != nil {
		return err
	}

	plan, err := s.planCompaction()
	if err != nil {
		return err
	}

	outputs := make(map[uint64][]IndexEntry)
	it := plan.referenced.Iterator()
	for it.HasNext() {
		id := it.Next()
		entries, rewritten, err := s.writeCompacted(id, plan.live[id])
		if err != nil {
			s.removeCompactOutputs(outputs)
			return fmt.Errorf("compact segment %d: %w", id, err)
		}
		if rewritten {
			outputs[id] = entries
		}
	}

	if len(outputs) == 0 && len(plan.retire) == 0 {
		if plan.dropped > 0 {
			if err := s.checkpoint(); err != nil {
				return err
			}
		}
		s.compactions++
		s.logger.Debug("compaction found nothing to rewrite", "dropped", plan.dropped)
		return nil
	}

	if err := s.dropIndexLog(); err != nil {
		s.removeCompactOutputs(outputs)
		return s.reload(err)
	}

	// Lower ids first: older versions of a key disappear before the
	// tombstones that hide them.
	it = plan.referenced.Iterator()
	for it.HasNext() {
		id := it.Next()
		entries, ok := outputs[id]
		if !ok {
			continue
		}
		if err := s.promote(id, entries); err != nil {
			return s.reload(fmt.Errorf("promote segment %d: %w", id, err))
		}
	}

	for _, id := range plan.retire {
		if err := s.retire(id); err != nil {
			return s.reload(fmt.Errorf("retire segment %d: %w", id, err))
		}
	}

	if err := s.checkpoint(); err != nil {
		return s.reload(err)
	}

	s.compactions++
	s.logger.Info("compaction finished",
		"rewritten", len(outputs),
		"retired", len(plan.retire),
		"dropped", plan.dropped,
		"duration", time.Since(start))
	return nil
}

// planCompaction drops index entries whose frames are tombstoned and groups
// the rest by sealed segment.
func (s *KvStore) planCompaction() (*compactPlan, error) {
	plan := &compactPlan{
		live:       make(map[uint64][]IndexEntry),
		referenced: roaring64.New(),
	}

	for seg, entries := range s.index.BySegment() {
		for _, e := range entries {
			live, err := s.isLive(e)
			if err != nil {
				return nil, err
			}
			if !live {
				s.index.Delete(e.Key)
				plan.dropped++
				continue
			}
			if seg == s.activeID {
				continue
			}
			plan.live[seg] = append(plan.live[seg], e)
			plan.referenced.Add(seg)
		}
	}

	for _, id := range s.SegmentIDs() {
		if id != s.activeID && !plan.referenced.Contains(id) {
			plan.retire = append(plan.retire, id)
		}
	}
	return plan, nil
}

// writeCompacted copies the live frames of segment id into file_<id>.bdd.compact
// and returns the entries relocated to their new offsets. When the segment
// holds nothing but live frames no file is written and rewritten is false.
func (s *KvStore) writeCompacted(id uint64, live []IndexEntry) ([]IndexEntry, bool, error) {
	reader := s.readers[id]
	size, err := reader.size()
	if err != nil {
		return nil, false, err
	}

	var liveBytes int64
	for _, e := range live {
		liveBytes += frameHeaderSize + e.Length
	}
	if liveBytes == size {
		return nil, false, nil
	}

	path := segmentPath(s.dir, id) + compactSuffix
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, false, ioErr("compact", path, err)
	}

	w := bufio.NewWriterSize(f, 64*1024)
	moved := make([]IndexEntry, 0, len(live))
	var pos int64
	for _, e := range live {
		raw, err := reader.readRawAt(e.Offset, frameHeaderSize+e.Length)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, false, err
		}
		if _, err := w.Write(raw); err != nil {
			f.Close()
			os.Remove(path)
			return nil, false, ioErr("compact", path, err)
		}
		moved = append(moved, IndexEntry{Key: e.Key, Segment: id, Offset: pos, Length: e.Length})
		pos += int64(len(raw))
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, false, ioErr("compact", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, false, ioErr("compact", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, false, ioErr("compact", path, err)
	}
	return moved, true, nil
}

func (s *KvStore) removeCompactOutputs(outputs map[uint64][]IndexEntry) {
	for id := range outputs {
		path := segmentPath(s.dir, id) + compactSuffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove compaction output", "path", path, "error", err)
		}
	}
}

// dropIndexLog closes and deletes kvindex.idx.
func (s *KvStore) dropIndexLog() error {
	if s.indexLog != nil {
		err := s.indexLog.Close()
		s.indexLog = nil
		if err != nil {
			return err
		}
	}
	if err := os.Remove(s.indexPath); err != nil && !os.IsNotExist(err) {
		return ioErr("compact", s.indexPath, err)
	}
	return nil
}

// reload discards the in-memory state and opens the directory again, after a
// compaction failed between dropping the index log and its final checkpoint.
// Leftover outputs and half-done renames are settled by recoverCompaction and
// the index is replayed from the segments. If that fails too the store is
// closed.
func (s *KvStore) reload(cause error) error {
	s.logger.Warn("compaction failed part way, reloading store", "error", cause)

	errs := []error{cause}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		s.writer = nil
	}
	if s.indexLog != nil {
		s.indexLog.Close()
		s.indexLog = nil
	}
	for id, r := range s.readers {
		r.Close()
		delete(s.readers, id)
	}
	s.index = NewIndex()

	if err := s.open(); err != nil {
		errs = append(errs, fmt.Errorf("reload: %w", err))
		s.closed = true
		if rerr := s.release(); rerr != nil {
			errs = append(errs, rerr)
		}
	}
	return errors.Join(errs...)
}

// promote swaps the compacted output in for segment id and points the index
// at the relocated frames.
func (s *KvStore) promote(id uint64, moved []IndexEntry) error {
	path := segmentPath(s.dir, id)
	backup := path + backupSuffix

	if r, ok := s.readers[id]; ok {
		r.Close()
		delete(s.readers, id)
	}
	if err := os.Rename(path, backup); err != nil {
		return ioErr("promote", path, err)
	}
	if err := os.Rename(path+compactSuffix, path); err != nil {
		return ioErr("promote", path+compactSuffix, err)
	}

	r, err := openSegmentReader(s.dir, id)
	if err != nil {
		return err
	}
	s.readers[id] = r

	for _, e := range moved {
		s.index.Put(e)
	}

	s.logger.Debug("promoted compacted segment", "segment", id, "frames", len(moved))
	s.superseded(id, backup)
	return nil
}

// retire moves a sealed segment with no live frames out of the way.
func (s *KvStore) retire(id uint64) error {
	path := segmentPath(s.dir, id)
	backup := path + backupSuffix

	if r, ok := s.readers[id]; ok {
		r.Close()
		delete(s.readers, id)
	}
	if err := os.Rename(path, backup); err != nil {
		return ioErr("retire", path, err)
	}

	s.logger.Debug("retired segment", "segment", id)
	s.superseded(id, backup)
	return nil
}

func (s *KvStore) superseded(id uint64, backup string) {
	if s.opts.OnSuperseded != nil {
		s.opts.OnSuperseded(id, backup)
	}
}

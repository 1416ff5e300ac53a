package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// KvStore implements the log-structured storage model
//   - Writes are appended to the active segment file_<id>.bdd
//   - The active segment rotates to id+1 once it crosses MaxSegmentSize
//   - An in-memory index maps each key to its latest frame
//   - kvindex.idx persists the index for bounded-time recovery
//   - Removal negates the frame's length prefix in place
//
// A KvStore is owned by a single caller and performs no locking.
type KvStore struct {
	dir       string
	indexPath string
	opts      Options
	logger    *slog.Logger
	lock      *dirLock

	activeID uint64
	writer   *segmentWriter
	readers  map[uint64]*segmentReader
	index    *Index
	indexLog *indexLog
	closed   bool

	// Statistics
	totalReads   uint64
	totalWrites  uint64
	totalRemoves uint64
	compactions  uint64
}

var _ Engine = (*KvStore)(nil)

// Open opens the store in dir, creating the directory and an empty segment 0
// when nothing exists yet. The index is loaded from kvindex.idx; when that
// file is missing or cannot be applied in full, it is rebuilt by replaying
// the segments.
func Open(dir string, optFns ...func(o *Options)) (*KvStore, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions.MaxSegmentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kvstore", "dir", dir)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ioErr("open", dir, fmt.Errorf("failed to create data directory: %w", err))
	}

	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	s := &KvStore{
		dir:       dir,
		indexPath: filepath.Join(dir, indexFileName),
		opts:      opts,
		logger:    logger,
		lock:      lock,
		readers:   make(map[uint64]*segmentReader),
	}

	if err := s.open(); err != nil {
		s.release()
		return nil, err
	}

	logger.Debug("store opened",
		"active_segment", s.activeID,
		"segments", len(s.readers),
		"keys", s.index.Len())
	return s, nil
}

func (s *KvStore) open() error {
	if err := recoverCompaction(s.dir, s.logger); err != nil {
		return err
	}

	ids, err := discoverSegments(s.dir)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		s.activeID = ids[len(ids)-1]
	} else {
		ids = []uint64{0}
	}

	// Appends go to the end of the file, so a frame cut short by a crash
	// would otherwise sit in front of every later write.
	if err := trimTornTail(s.dir, s.activeID, s.logger); err != nil {
		return err
	}

	// The writer creates the active segment file if needed, so it must exist
	// before the readers are opened.
	s.writer, err = openSegmentWriter(s.dir, s.activeID, s.opts.SyncWrites)
	if err != nil {
		return err
	}

	sizes := make(map[uint64]int64, len(ids))
	for _, id := range ids {
		r, err := openSegmentReader(s.dir, id)
		if err != nil {
			return err
		}
		s.readers[id] = r
		size, err := r.size()
		if err != nil {
			return err
		}
		sizes[id] = size
	}

	if err := s.loadIndex(ids, sizes); err != nil {
		return err
	}

	s.indexLog, err = openIndexLog(s.indexPath)
	return err
}

// loadIndex populates s.index from the index log, falling back to a replay of
// the segments when the log is absent, empty while data exists, damaged, or
// pointing outside the segments.
func (s *KvStore) loadIndex(ids []uint64, sizes map[uint64]int64) error {
	var dataBytes int64
	for _, size := range sizes {
		dataBytes += size
	}

	idx, load, err := rebuildIndex(s.indexPath, s.logger)
	reason := ""
	switch {
	case errors.Is(err, os.ErrNotExist):
		if dataBytes == 0 {
			s.index = NewIndex()
			return nil
		}
		reason = "index log missing"
	case err != nil:
		return err
	case load.degraded():
		reason = "index log damaged"
	case idx.Len() == 0 && load.dead == 0 && dataBytes > 0:
		reason = "index log empty"
	default:
		if verr := validateIndex(idx, sizes); verr != nil {
			s.logger.Warn("index log does not match segments", "error", verr)
			reason = "index log stale"
		}
	}

	if reason == "" {
		s.index = idx
		return nil
	}

	s.logger.Warn("rebuilding index from segments", "reason", reason, "segments", len(ids))
	idx, err = replaySegments(s.dir, ids, s.logger)
	if err != nil {
		return err
	}
	s.index = idx
	return checkpointIndex(s.index, s.indexPath)
}

// Set appends the record to the active segment and points the index at it.
// A failed Set may already have appended a frame or an index log entry.
func (s *KvStore) Set(key, value string) error {
	if s.closed {
		return ErrStorageClosed
	}

	payload, err := encodeRecord(newRecord(key, value))
	if err != nil {
		return err
	}
	length := int64(len(payload))

	pos, err := s.writer.appendFrame(payload)
	if err != nil {
		return err
	}
	s.totalWrites++

	entry := IndexEntry{Key: key, Segment: s.activeID, Offset: pos, Length: length}
	s.index.Put(entry)

	// A checkpoint that renamed the new log into place but could not reopen
	// it leaves no handle. The file on disk is that checkpoint.
	if s.indexLog == nil {
		l, err := openIndexLog(s.indexPath)
		if err != nil {
			return err
		}
		s.indexLog = l
	}
	if err := s.indexLog.append(entry); err != nil {
		return err
	}

	if pos+length > s.opts.MaxSegmentSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("rotate segment %d: %w", s.activeID, err)
		}
	}
	return nil
}

// Get retrieves the value for key. An empty key, a key with no index entry
// and a tombstoned frame all report found == false.
func (s *KvStore) Get(key string) (string, bool, error) {
	if s.closed {
		return "", false, ErrStorageClosed
	}
	if key == "" {
		return "", false, nil
	}

	entry, ok := s.index.Get(key)
	if !ok {
		return "", false, nil
	}
	s.totalReads++

	// Frames of the active segment may still sit in the write buffer
	if entry.Segment == s.activeID {
		if err := s.writer.flush(); err != nil {
			return "", false, err
		}
	}

	reader, ok := s.readers[entry.Segment]
	if !ok {
		return "", false, corruptErr("get", segmentName(entry.Segment),
			fmt.Errorf("no reader for segment %d referenced by key %q", entry.Segment, key))
	}

	length, payload, err := reader.readFrameAt(entry.Offset, entry.Length)
	if err != nil {
		return "", false, err
	}
	if length <= 0 {
		return "", false, nil
	}

	rec, err := decodeRecord(payload)
	if err != nil {
		return "", false, err
	}
	if rec.Key != key {
		return "", false, corruptErr("get", reader.path,
			fmt.Errorf("frame at %d holds key %q, want %q", entry.Offset, rec.Key, key))
	}
	return rec.Value, true, nil
}

// Remove tombstones the frame the index points at. The index entry is kept;
// Get notices the negative length prefix.
func (s *KvStore) Remove(key string) error {
	if s.closed {
		return ErrStorageClosed
	}
	if key == "" {
		return nil
	}

	entry, ok := s.index.Get(key)
	if !ok {
		return nil
	}

	if entry.Segment == s.activeID {
		if err := s.writer.flush(); err != nil {
			return err
		}
	}

	negated, err := tombstoneFrame(segmentPath(s.dir, entry.Segment), entry.Offset)
	if err != nil {
		return err
	}
	if negated {
		s.totalRemoves++
	}
	return nil
}

// Keys returns the keys whose frames are still live, in ascending order.
func (s *KvStore) Keys() ([]string, error) {
	if s.closed {
		return nil, ErrStorageClosed
	}
	if err := s.writer.flush(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, s.index.Len())
	for _, e := range s.index.Entries() {
		live, err := s.isLive(e)
		if err != nil {
			return nil, err
		}
		if live {
			keys = append(keys, e.Key)
		}
	}
	return keys, nil
}

// isLive re-reads the length prefix the entry points at. The active segment
// writer must be flushed by the caller.
func (s *KvStore) isLive(e IndexEntry) (bool, error) {
	reader, ok := s.readers[e.Segment]
	if !ok {
		return false, corruptErr("read", segmentName(e.Segment),
			fmt.Errorf("no reader for segment %d referenced by key %q", e.Segment, e.Key))
	}
	n, err := readFrameLengthAt(reader.file, e.Offset)
	if err != nil {
		return false, ioErr("read", reader.path, fmt.Errorf("length at %d: %w", e.Offset, err))
	}
	return n > 0, nil
}

// rotate seals the active segment and opens id+1 for appends.
func (s *KvStore) rotate() error {
	sealed := s.activeID
	if err := s.writer.Close(); err != nil {
		return err
	}

	next := sealed + 1
	w, err := openSegmentWriter(s.dir, next, s.opts.SyncWrites)
	if err != nil {
		return err
	}
	s.writer = w
	s.activeID = next

	if _, ok := s.readers[sealed]; !ok {
		r, err := openSegmentReader(s.dir, sealed)
		if err != nil {
			return err
		}
		s.readers[sealed] = r
	}
	r, err := openSegmentReader(s.dir, next)
	if err != nil {
		return err
	}
	s.readers[next] = r

	s.logger.Debug("rotated segment", "sealed", sealed, "active", next)
	return nil
}

// SyncIndex checkpoints the index into a compact kvindex.idx, equivalent to
// replaying every Set since the store was created.
func (s *KvStore) SyncIndex() error {
	if s.closed {
		return ErrStorageClosed
	}
	// The checkpoint must never reference bytes that are still buffered.
	if err := s.writer.sync(); err != nil {
		return err
	}
	return s.checkpoint()
}

// checkpoint rewrites the index log and reopens the append handle on it. The
// old handle stays in use until the new file has replaced it.
func (s *KvStore) checkpoint() error {
	if err := checkpointIndex(s.index, s.indexPath); err != nil {
		return err
	}
	if s.indexLog != nil {
		err := s.indexLog.Close()
		s.indexLog = nil
		if err != nil {
			return err
		}
	}
	l, err := openIndexLog(s.indexPath)
	if err != nil {
		return err
	}
	s.indexLog = l
	return nil
}

// Sync implements Engine.
func (s *KvStore) Sync() error {
	return s.SyncIndex()
}

// ActiveSegment returns the id of the segment accepting appends.
func (s *KvStore) ActiveSegment() uint64 {
	return s.activeID
}

// SegmentIDs returns the ids of all open segments in ascending order.
func (s *KvStore) SegmentIDs() []uint64 {
	ids := make([]uint64, 0, len(s.readers))
	for id := range s.readers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dir returns the store directory.
func (s *KvStore) Dir() string {
	return s.dir
}

// Stats returns storage statistics
func (s *KvStore) Stats() Stats {
	st := Stats{
		Engine:        KindLog,
		IndexEntries:  int64(s.index.Len()),
		Segments:      len(s.readers),
		ActiveSegment: s.activeID,
		TotalReads:    s.totalReads,
		TotalWrites:   s.totalWrites,
		TotalRemoves:  s.totalRemoves,
		Compactions:   s.compactions,
	}
	if s.writer != nil {
		st.ActiveBytes = s.writer.position
	}
	if keys, err := s.Keys(); err == nil {
		st.LiveKeys = int64(len(keys))
	} else if !errors.Is(err, ErrStorageClosed) {
		s.logger.Warn("failed to count live keys", "error", err)
	}
	for id, r := range s.readers {
		if id == s.activeID {
			continue
		}
		if size, err := r.size(); err == nil {
			st.SealedBytes += size
		}
	}
	return st
}

// Close flushes the active segment and releases every file handle.
func (s *KvStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.release()
}

func (s *KvStore) release() error {
	var errs []error
	if s.writer != nil {
		errs = append(errs, s.writer.Close())
		s.writer = nil
	}
	if s.indexLog != nil {
		if err := s.indexLog.sync(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.indexLog.Close())
		s.indexLog = nil
	}
	for id, r := range s.readers {
		errs = append(errs, r.Close())
		delete(s.readers, id)
	}
	errs = append(errs, s.lock.release())
	return errors.Join(errs...)
}

package pebblestore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/paulhenri/PKVS/internal/storage"
)

// Options configures the Pebble engine.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// SyncWrites requests a WAL fsync on every write.
	SyncWrites bool
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Logger receives compaction traces. Nil means slog.Default().
	Logger *slog.Logger
}

// Store wraps a Pebble database behind the storage.Engine contract.
type Store struct {
	inner     *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger
	closed    bool

	totalReads   uint64
	totalWrites  uint64
	totalRemoves uint64
	compactions  uint64
}

var _ storage.Engine = (*Store)(nil)

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", opts.DataDir, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	return &Store{
		inner:     inner,
		writeOpts: writeOpts,
		logger:    logger.With("component", "pebble", "dir", opts.DataDir),
	}, nil
}

// Set stores value under key.
func (s *Store) Set(key, value string) error {
	if s.closed {
		return storage.ErrStorageClosed
	}
	if err := s.inner.Set([]byte(key), []byte(value), s.writeOpts); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	s.totalWrites++
	return nil
}

// Get copies the value for key out of Pebble.
func (s *Store) Get(key string) (string, bool, error) {
	if s.closed {
		return "", false, storage.ErrStorageClosed
	}
	if key == "" {
		return "", false, nil
	}

	val, closer, err := s.inner.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	s.totalReads++
	return string(val), true, nil
}

// Remove deletes key. Pebble writes a tombstone even for absent keys, so the
// lookup keeps removal of a missing key free of side effects.
func (s *Store) Remove(key string) error {
	if s.closed {
		return storage.ErrStorageClosed
	}
	if key == "" {
		return nil
	}

	_, closer, err := s.inner.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pebble get: %w", err)
	}
	closer.Close()

	if err := s.inner.Delete([]byte(key), s.writeOpts); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	s.totalRemoves++
	return nil
}

// Keys returns all keys in ascending order.
func (s *Store) Keys() ([]string, error) {
	if s.closed {
		return nil, storage.ErrStorageClosed
	}

	iter, err := s.inner.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

// Compact compacts the whole key range.
func (s *Store) Compact() error {
	if s.closed {
		return storage.ErrStorageClosed
	}

	first, last, ok, err := s.bounds()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	// The end bound is exclusive.
	end := append(last, 0x00)
	if err := s.inner.Compact(first, end, true); err != nil {
		return fmt.Errorf("pebble compact: %w", err)
	}
	s.compactions++
	s.logger.Debug("compaction finished")
	return nil
}

func (s *Store) bounds() (first, last []byte, ok bool, err error) {
	iter, err := s.inner.NewIter(nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	if !iter.First() {
		return nil, nil, false, iter.Error()
	}
	first = append([]byte(nil), iter.Key()...)
	if !iter.Last() {
		return nil, nil, false, iter.Error()
	}
	last = append([]byte(nil), iter.Key()...)
	return first, last, true, nil
}

// Sync flushes the memtable to disk.
func (s *Store) Sync() error {
	if s.closed {
		return storage.ErrStorageClosed
	}
	if err := s.inner.Flush(); err != nil {
		return fmt.Errorf("pebble flush: %w", err)
	}
	return nil
}

// Stats maps Pebble's LSM metrics onto storage.Stats.
func (s *Store) Stats() storage.Stats {
	st := storage.Stats{
		Engine:       storage.KindPebble,
		TotalReads:   s.totalReads,
		TotalWrites:  s.totalWrites,
		TotalRemoves: s.totalRemoves,
		Compactions:  s.compactions,
	}
	if s.closed {
		return st
	}

	if keys, err := s.Keys(); err == nil {
		st.LiveKeys = int64(len(keys))
		st.IndexEntries = st.LiveKeys
	} else {
		s.logger.Warn("failed to count keys", "error", err)
	}

	m := s.inner.Metrics()
	for _, l := range m.Levels {
		st.Segments += int(l.NumFiles)
		st.SealedBytes += l.Size
	}
	st.ActiveBytes = int64(m.WAL.Size)
	return st
}

// Close closes the Pebble database.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.inner.Close()
}

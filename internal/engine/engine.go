// Package engine opens the storage engine selected by configuration.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/paulhenri/PKVS/internal/storage"
	pebblestore "github.com/paulhenri/PKVS/internal/storage/pebble"
)

// Options carries the settings shared by every engine kind. Fields an engine
// has no use for are ignored.
type Options struct {
	MaxSegmentSize int64
	SyncWrites     bool
	Logger         *slog.Logger
	OnSuperseded   func(id uint64, backupPath string)
}

// Open opens the engine of the given kind rooted at dir.
func Open(kind storage.Kind, dir string, opts Options) (storage.Engine, error) {
	switch kind {
	case storage.KindLog, "":
		fns := []func(o *storage.Options){
			storage.WithSyncWrites(opts.SyncWrites),
			storage.WithLogger(opts.Logger),
			storage.WithSupersededHook(opts.OnSuperseded),
		}
		if opts.MaxSegmentSize > 0 {
			fns = append(fns, storage.WithMaxSegmentSize(opts.MaxSegmentSize))
		}
		s, err := storage.Open(dir, fns...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case storage.KindPebble:
		s, err := pebblestore.Open(pebblestore.Options{
			DataDir:    dir,
			SyncWrites: opts.SyncWrites,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", kind)
	}
}

// Package server exposes a storage engine over TCP.
//
// The engine is not safe for concurrent use, so a Dispatcher goroutine owns
// it and runs every request as a job received over a channel. Connection
// goroutines, the admin API and scheduled compaction all submit jobs and
// wait for the reply.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/paulhenri/PKVS/internal/archive"
	"github.com/paulhenri/PKVS/internal/storage"
)

// ErrStopped is returned for jobs submitted after the dispatcher exited.
var ErrStopped = errors.New("dispatcher stopped")

type job struct {
	fn   func(storage.Engine) error
	done chan error
}

// Dispatcher serializes access to a storage engine.
type Dispatcher struct {
	engine  storage.Engine
	jobs    chan job
	stopped chan struct{}
	logger  *slog.Logger

	backups        *BackupQueue
	archiver       *archive.Archiver
	archiveTimeout time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger. Nil means slog.Default().
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithArchiver ships the backups collected in q to a after every compaction.
func WithArchiver(a *archive.Archiver, q *BackupQueue) DispatcherOption {
	return func(d *Dispatcher) {
		d.archiver = a
		d.backups = q
	}
}

// NewDispatcher takes ownership of engine. The engine is closed when Run
// returns.
func NewDispatcher(engine storage.Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:         engine,
		jobs:           make(chan job),
		stopped:        make(chan struct{}),
		logger:         slog.Default(),
		archiveTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Run executes jobs until ctx is cancelled, then persists the index and
// closes the engine.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case j := <-d.jobs:
			j.done <- d.exec(j.fn)
		}
	}
}

func (d *Dispatcher) exec(fn func(storage.Engine) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return fn(d.engine)
}

func (d *Dispatcher) shutdown() error {
	d.logger.Info("stopping, syncing engine")
	var errs []error
	if err := d.engine.Sync(); err != nil && !errors.Is(err, storage.ErrStorageClosed) {
		errs = append(errs, fmt.Errorf("failed to sync engine: %w", err))
	}
	if err := d.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close engine: %w", err))
	}
	return errors.Join(errs...)
}

// Do runs fn on the dispatcher goroutine and returns its error. If ctx ends
// first Do returns ctx.Err(); a job that was already accepted still runs.
func (d *Dispatcher) Do(ctx context.Context, fn func(storage.Engine) error) error {
	j := job{fn: fn, done: make(chan error, 1)}

	select {
	case d.jobs <- j:
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compact compacts the engine and archives the backups it left behind.
func (d *Dispatcher) Compact(ctx context.Context) error {
	return d.Do(ctx, func(e storage.Engine) error {
		start := time.Now()
		if err := e.Compact(); err != nil {
			return err
		}
		d.logger.Debug("compacted", "duration", time.Since(start))
		d.archiveBackups()
		return nil
	})
}

// archiveBackups runs on the dispatcher goroutine so that no compaction can
// replace a backup file while it is being uploaded.
func (d *Dispatcher) archiveBackups() {
	if d.archiver == nil || d.backups == nil {
		return
	}
	paths := d.backups.Drain()
	if len(paths) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.archiveTimeout)
	defer cancel()
	if err := d.archiver.ArchiveAll(ctx, paths); err != nil {
		d.logger.Warn("some backups were not archived", "error", err)
	}
}

// BackupQueue collects the backup files reported by the engine's
// superseded hook.
type BackupQueue struct {
	mu    sync.Mutex
	paths []string
}

// NewBackupQueue creates an empty queue.
func NewBackupQueue() *BackupQueue {
	return &BackupQueue{}
}

// Add matches the signature of storage.Options.OnSuperseded.
func (q *BackupQueue) Add(id uint64, path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paths = append(q.paths, path)
}

// Drain returns the queued paths and empties the queue.
func (q *BackupQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	paths := q.paths
	q.paths = nil
	return paths
}

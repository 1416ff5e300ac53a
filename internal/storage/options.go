package storage

import "log/slog"

// Options configures a KvStore.
type Options struct {
	// MaxSegmentSize is the size threshold that triggers rotation of the
	// active segment.
	MaxSegmentSize int64

	// SyncWrites flushes and fsyncs the active segment after every append.
	SyncWrites bool

	// Logger receives recovery warnings and debug traces. Nil means slog.Default().
	Logger *slog.Logger

	// OnSuperseded is called for every segment file that compaction moves to
	// its backup name.
	OnSuperseded func(id uint64, backupPath string)
}

// DefaultOptions holds the values used when no option function overrides them.
var DefaultOptions = Options{
	MaxSegmentSize: 1024 * 1024, // 1 MB
}

// WithMaxSegmentSize sets the rotation threshold.
func WithMaxSegmentSize(n int64) func(o *Options) {
	return func(o *Options) { o.MaxSegmentSize = n }
}

// WithSyncWrites enables fsync after every append.
func WithSyncWrites(sync bool) func(o *Options) {
	return func(o *Options) { o.SyncWrites = sync }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithSupersededHook sets the callback invoked for each compaction backup.
func WithSupersededHook(fn func(id uint64, backupPath string)) func(o *Options) {
	return func(o *Options) { o.OnSuperseded = fn }
}

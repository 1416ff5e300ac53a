package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Archiver compresses local files into a Store.
type Archiver struct {
	store     Store
	codec     Codec
	keepLocal bool
	retain    int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithKeepLocal leaves the source file in place after a successful upload.
func WithKeepLocal(keep bool) Option {
	return func(a *Archiver) { a.keepLocal = keep }
}

// WithRetain makes ArchiveAll prune each segment's archived copies down to
// the newest n. Zero keeps everything.
func WithRetain(n int) Option {
	return func(a *Archiver) { a.retain = n }
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Archiver. A nil codec stores files uncompressed.
func New(store Store, codec Codec, opts ...Option) *Archiver {
	if codec == nil {
		codec = None()
	}
	a := &Archiver{
		store:  store,
		codec:  codec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "archive", "codec", codec.Name())
	return a
}

// ObjectName returns the name under which path is archived at time t.
func (a *Archiver) ObjectName(path string, t time.Time) string {
	return filepath.Base(path) + "." + strconv.FormatInt(t.UnixNano(), 10) + a.codec.Ext()
}

// Archive compresses the file at path into the store and, unless the
// archiver keeps local copies, removes it. It returns the object name.
func (a *Archiver) Archive(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w, err := a.codec.NewWriter(&buf)
	if err != nil {
		return "", fmt.Errorf("failed to create %s writer: %w", a.codec.Name(), err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return "", fmt.Errorf("failed to compress %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to compress %s: %w", path, err)
	}

	name := a.ObjectName(path, a.now())
	size := int64(buf.Len())
	if err := a.store.Put(ctx, name, &buf, size); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", name, err)
	}

	if !a.keepLocal {
		if err := os.Remove(path); err != nil {
			return name, fmt.Errorf("archived %s but failed to remove it: %w", path, err)
		}
	}

	a.logger.Info("archived backup", "path", path, "object", name, "bytes", n, "stored_bytes", size)
	return name, nil
}

// ArchiveAll archives every path and returns the first error, after trying
// all of them.
func (a *Archiver) ArchiveAll(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		if _, err := a.Archive(ctx, p); err != nil {
			a.logger.Warn("failed to archive backup", "path", p, "error", err)
			errs = append(errs, err)
		}
	}
	if a.retain > 0 {
		if _, err := a.Prune(ctx, a.retain); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Prune deletes all but the newest keep archived copies of every segment
// and returns the deleted names. Objects not named by ObjectName are left
// alone.
func (a *Archiver) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("prune must keep at least one copy, got %d", keep)
	}
	names, err := a.store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	type copyOf struct {
		name  string
		stamp int64
	}
	bySource := make(map[string][]copyOf)
	for _, name := range names {
		source, stamp, ok := parseObjectName(name)
		if !ok {
			continue
		}
		bySource[source] = append(bySource[source], copyOf{name: name, stamp: stamp})
	}

	var deleted []string
	var errs []error
	for _, copies := range bySource {
		if len(copies) <= keep {
			continue
		}
		sort.Slice(copies, func(i, j int) bool { return copies[i].stamp > copies[j].stamp })
		for _, c := range copies[keep:] {
			if err := a.store.Delete(ctx, c.name); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", c.name, err))
				continue
			}
			deleted = append(deleted, c.name)
		}
	}
	sort.Strings(deleted)
	if len(deleted) > 0 {
		a.logger.Info("pruned archived backups", "deleted", len(deleted), "keep", keep)
	}
	return deleted, errors.Join(errs...)
}

// parseObjectName splits an ObjectName result into the archived file's base
// name and its timestamp.
func parseObjectName(name string) (source string, stamp int64, ok bool) {
	rest := strings.TrimSuffix(name, CodecForName(name).Ext())
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return "", 0, false
	}
	stamp, err := strconv.ParseInt(rest[dot+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:dot], stamp, true
}

// Restore decompresses an archived object into dst.
func (a *Archiver) Restore(ctx context.Context, name, dst string) error {
	rc, err := a.store.Get(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	r, err := CodecForName(name).NewReader(rc)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer r.Close()

	tmp := dst + ".restore"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to decompress %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	return os.Rename(tmp, dst)
}

// List returns the archived object names with the given prefix.
func (a *Archiver) List(ctx context.Context, prefix string) ([]string, error) {
	return a.store.List(ctx, prefix)
}

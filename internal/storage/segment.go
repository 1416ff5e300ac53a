package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const (
	segmentPrefix = "file_"
	segmentExt    = ".bdd"
	backupSuffix  = ".bak"
	compactSuffix = ".compact"
	tornSuffix    = ".torn"
	indexFileName = "kvindex.idx"
	lockFileName  = "LOCK"
)

// segmentFilePattern matches canonical segment files only, so backups and
// in-flight compaction outputs are never mistaken for segments.
var segmentFilePattern = regexp.MustCompile(`^file_(\d+)\.bdd$`)

func segmentName(id uint64) string {
	return segmentPrefix + strconv.FormatUint(id, 10) + segmentExt
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, segmentName(id))
}

// discoverSegments lists segment ids in dir in ascending order. Files that do
// not follow the naming convention are ignored.
func discoverSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioErr("discover", dir, err)
	}

	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// segmentReader is a buffered random-access reader over one segment file.
type segmentReader struct {
	id   uint64
	path string
	file *os.File
	br   *bufio.Reader
}

func openSegmentReader(dir string, id uint64) (*segmentReader, error) {
	path := segmentPath(dir, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, ioErr("open segment", path, err)
	}
	return &segmentReader{
		id:   id,
		path: path,
		file: f,
		br:   bufio.NewReaderSize(f, 4*1024),
	}, nil
}

func (r *segmentReader) seek(off int64) error {
	if _, err := r.file.Seek(off, io.SeekStart); err != nil {
		return ioErr("seek", r.path, err)
	}
	r.br.Reset(r.file)
	return nil
}

// readFrameAt returns the signed length of the frame at off and, when the
// frame is live, its payload. Dead frames return a nil payload. A live
// prefix that disagrees with want is reported as corruption before any
// payload buffer is sized from it.
func (r *segmentReader) readFrameAt(off, want int64) (int64, []byte, error) {
	if err := r.seek(off); err != nil {
		return 0, nil, err
	}

	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		return 0, nil, ioErr("read frame", r.path, fmt.Errorf("length at %d: %w", off, err))
	}
	n := frameLength(hdr[:])
	if n <= 0 {
		return n, nil, nil
	}
	if n != want {
		return 0, nil, corruptErr("read frame", r.path,
			fmt.Errorf("frame at %d has length %d, index says %d", off, n, want))
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return 0, nil, ioErr("read frame", r.path, fmt.Errorf("payload at %d: %w", off, err))
	}
	return n, payload, nil
}

// readRawAt copies n bytes starting at off without interpreting them.
func (r *segmentReader) readRawAt(off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := r.file.ReadAt(buf, off); err != nil {
		return nil, ioErr("read", r.path, fmt.Errorf("%d bytes at %d: %w", n, off, err))
	}
	return buf, nil
}

func (r *segmentReader) size() (int64, error) {
	info, err := r.file.Stat()
	if err != nil {
		return 0, ioErr("stat", r.path, err)
	}
	return info.Size(), nil
}

func (r *segmentReader) Close() error {
	return r.file.Close()
}

// segmentWriter appends frames to the active segment.
type segmentWriter struct {
	id         uint64
	path       string
	file       *os.File
	writer     *bufio.Writer
	position   int64
	syncWrites bool
}

func openSegmentWriter(dir string, id uint64, syncWrites bool) (*segmentWriter, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, ioErr("open writer", path, err)
	}

	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, ioErr("seek", path, err)
	}

	return &segmentWriter{
		id:         id,
		path:       path,
		file:       f,
		writer:     bufio.NewWriterSize(f, 64*1024), // 64KB buffer
		position:   pos,
		syncWrites: syncWrites,
	}, nil
}

// appendFrame writes a live frame and returns the offset of its length prefix.
func (w *segmentWriter) appendFrame(payload []byte) (int64, error) {
	offset := w.position
	if _, err := w.writer.Write(encodeFrame(payload)); err != nil {
		return 0, ioErr("append", w.path, err)
	}
	w.position += frameHeaderSize + int64(len(payload))

	if w.syncWrites {
		if err := w.sync(); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

func (w *segmentWriter) flush() error {
	if err := w.writer.Flush(); err != nil {
		return ioErr("flush", w.path, err)
	}
	return nil
}

func (w *segmentWriter) sync() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return ioErr("sync", w.path, err)
	}
	return nil
}

// Close flushes buffered frames, syncs and closes the file.
func (w *segmentWriter) Close() error {
	if err := w.sync(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return ioErr("close", w.path, err)
	}
	return nil
}

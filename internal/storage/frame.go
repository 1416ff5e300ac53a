package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Frame format, shared by segment files and the index log:
//
//	| length int64 (native endian) | payload (|length| bytes) |
//
// A negative length marks the payload as dead. Readers scanning a file skip
// abs(length) bytes to reach the next frame.
const frameHeaderSize = 8

var errTornFrame = errors.New("truncated frame")

func putFrameLength(b []byte, n int64) {
	binary.NativeEndian.PutUint64(b, uint64(n))
}

func frameLength(b []byte) int64 {
	return int64(binary.NativeEndian.Uint64(b))
}

func absLength(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// encodeFrame returns header and payload as one buffer so a frame reaches the
// file in a single write.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	putFrameLength(buf, int64(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// readFrameLengthAt reads the length prefix of the frame starting at off.
func readFrameLengthAt(r io.ReaderAt, off int64) (int64, error) {
	var hdr [frameHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, errTornFrame
		}
		return 0, err
	}
	return frameLength(hdr[:]), nil
}

// tombstoneFrame negates the length prefix at off in place. The payload bytes
// are left untouched. It reports whether the prefix was live before the call.
func tombstoneFrame(path string, off int64) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, ioErr("tombstone", path, err)
	}
	defer f.Close()

	n, err := readFrameLengthAt(f, off)
	if err != nil {
		return false, ioErr("tombstone", path, fmt.Errorf("read length at %d: %w", off, err))
	}
	if n <= 0 {
		return false, nil
	}

	var hdr [frameHeaderSize]byte
	putFrameLength(hdr[:], -n)
	if _, err := f.WriteAt(hdr[:], off); err != nil {
		return false, ioErr("tombstone", path, fmt.Errorf("write length at %d: %w", off, err))
	}
	return true, nil
}

// frameScanner walks the frames of a file sequentially.
type frameScanner struct {
	r      *bufio.Reader
	size   int64
	off    int64 // offset of the current frame
	next   int64 // offset of the following frame
	length int64 // signed length of the current frame
	buf    []byte
	err    error
}

func newFrameScanner(r io.Reader, size int64) *frameScanner {
	return &frameScanner{
		r:    bufio.NewReaderSize(r, 64*1024),
		size: size,
	}
}

// Next advances to the next frame. It returns false at a clean end of file or
// on error; Err distinguishes the two.
func (s *frameScanner) Next() bool {
	if s.err != nil || s.next >= s.size {
		return false
	}
	s.off = s.next

	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		s.err = s.wrap(err)
		return false
	}
	s.length = frameLength(hdr[:])
	n := absLength(s.length)
	if n < 0 {
		s.err = fmt.Errorf("frame at %d has invalid length %d: %w", s.off, s.length, errTornFrame)
		return false
	}
	if n > s.size-s.off-frameHeaderSize {
		s.err = fmt.Errorf("frame at %d claims %d bytes past end of file: %w", s.off, n, errTornFrame)
		return false
	}

	if int64(cap(s.buf)) < n {
		s.buf = make([]byte, n)
	}
	s.buf = s.buf[:n]
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		s.err = s.wrap(err)
		return false
	}
	s.next = s.off + frameHeaderSize + n
	return true
}

func (s *frameScanner) wrap(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("frame at %d: %w", s.off, errTornFrame)
	}
	return err
}

// End is the offset just past the last frame read whole. After a torn frame
// it marks where the intact prefix of the file stops.
func (s *frameScanner) End() int64 { return s.next }

// Offset is the position of the current frame's length prefix.
func (s *frameScanner) Offset() int64 { return s.off }

// Length is the signed length of the current frame.
func (s *frameScanner) Length() int64 { return s.length }

// Live reports whether the current frame is not tombstoned.
func (s *frameScanner) Live() bool { return s.length > 0 }

// Payload is only valid until the next call to Next.
func (s *frameScanner) Payload() []byte { return s.buf }

func (s *frameScanner) Err() error { return s.err }

package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures returned by the engine.
type ErrorKind int

const (
	// KindOther is the bucket for failures that fit no other kind.
	KindOther ErrorKind = iota
	// KindIO covers file open, read, write, seek and sync failures.
	KindIO
	// KindSerialization covers payloads that cannot be encoded or decoded.
	KindSerialization
	// KindCorrupt covers on-disk bytes that are readable but inconsistent.
	KindCorrupt
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindSerialization:
		return "serialization"
	case KindCorrupt:
		return "corrupt"
	default:
		return "other"
	}
}

// Error is the typed failure returned by storage operations.
//
// The original cause is available via errors.Unwrap.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether any error in err's chain is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == k
	}
	return false
}

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}

func serErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindSerialization, Op: op, Err: err}
}

func corruptErr(op, path string, err error) error {
	return &Error{Kind: KindCorrupt, Op: op, Path: path, Err: err}
}

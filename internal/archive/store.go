package archive

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when an archived object does not exist.
var ErrNotFound = os.ErrNotExist

// Store is where archived objects end up.
type Store interface {
	// Put writes an object atomically. size may be -1 when unknown.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// Get opens an object for reading.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// List returns object names with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
}

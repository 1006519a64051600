// Package backend provides the storage volume abstraction that the cache
// manager, restorer, and integrity monitor write through and read from.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a name does not exist on a volume.
var ErrNotFound = errors.New("not found")

// Volume stores named objects on behalf of one registered cache volume.
// Implementations must be safe for concurrent use.
type Volume interface {
	// Save stores data under name, overwriting any existing object there.
	Save(ctx context.Context, name string, r io.Reader) error

	// Get retrieves the object stored under name.
	// Returns ErrNotFound if name does not exist.
	// The caller must close the returned ReadCloser.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Remove deletes the object stored under name.
	// Returns nil if name does not exist (idempotent).
	Remove(ctx context.Context, name string) error

	// Exists reports whether name currently has an object stored.
	Exists(ctx context.Context, name string) (bool, error)

	// List returns all names with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WriterVolume extends Volume with direct writer access, letting a
// Restorer stream bytes in without buffering the whole object first.
type WriterVolume interface {
	Volume

	// Writer returns a WriteCloser for name. The write is only committed
	// when Close returns nil; if Close returns an error, the write must
	// be considered failed and no partial object left behind.
	Writer(ctx context.Context, name string) (io.WriteCloser, error)
}

// SizeAwareVolume extends Volume with direct size lookups, avoiding a full
// read when only the size is needed (e.g. deletion planning).
type SizeAwareVolume interface {
	Volume

	// Size returns the size in bytes of the object stored under name.
	// Returns ErrNotFound if name does not exist.
	Size(ctx context.Context, name string) (int64, error)
}

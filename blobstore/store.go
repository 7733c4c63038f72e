package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
// The default maps to os.ErrNotExist, so the local store needs no translation.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for reading and writing named blobs, such as
// index snapshots and export archives. Names may contain "/" separators;
// implementations treat them as flat keys.
type BlobStore interface {
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create opens a blob for streaming writes. The blob becomes visible to
	// readers only once Close returns without error.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes a complete blob atomically, replacing any existing blob
	// with the same name.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored blob.
type Blob interface {
	// ReadAt reads up to len(p) bytes starting at offset off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// ReadRange returns a reader over [off, off+length). Ranges past the
	// end of the blob are truncated, not an error.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)

	// Size returns the size of the blob in bytes.
	Size() int64

	io.Closer
}

// WritableBlob is a streaming write handle returned by Create. Close commits
// the blob unless a prior Write failed, in which case Close discards the
// partial data and reports the write error.
type WritableBlob interface {
	io.Writer

	// Sync flushes buffered data to the underlying storage.
	Sync() error

	io.Closer
}

// Mappable is an optional interface for blobs backed by memory-mapped files.
type Mappable interface {
	// Bytes returns the underlying byte slice, valid until the blob is
	// closed. This is a zero-copy operation.
	Bytes() ([]byte, error)
}

// Reader returns a reader over the blob's full contents.
func Reader(ctx context.Context, b Blob) (io.ReadCloser, error) {
	return b.ReadRange(ctx, 0, b.Size())
}

// clampRange bounds [off, off+length) to [0, size).
func clampRange(size, off, length int64) (start, end int64) {
	if off < 0 {
		off = 0
	}
	if off > size {
		off = size
	}
	end = size
	if length >= 0 && off+length < size {
		end = off + length
	}
	return off, end
}

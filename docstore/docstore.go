// Package docstore persists knowledge entries by id.
//
// A Store is a plain document store: the vector index, filtering and search
// live above it. Implementations keep entries in first-write order so scans
// replay inserts deterministically.
package docstore

import (
	"context"
	"errors"
	"iter"

	"github.com/cssvb94/VectorLiteDB/knowledge"
)

// ErrNotFound is returned when no entry exists for an id.
var ErrNotFound = errors.New("docstore: entry not found")

// Store persists knowledge entries by id.
// Implementations must be safe for concurrent use. Entries handed out by
// Get and All are owned by the caller: mutating them never affects stored
// state, and a later Put is required to persist changes.
type Store interface {
	// Get returns the entry for id, or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (*knowledge.Entry, error)

	// Put inserts or replaces the entry under its id. Replacing keeps the
	// entry's original scan position; inserting after a Delete assigns a
	// fresh one.
	Put(ctx context.Context, entry *knowledge.Entry) error

	// Delete removes the entry. Unknown ids are a no-op.
	Delete(ctx context.Context, id string) error

	// All iterates entries in first-write order.
	All(ctx context.Context) iter.Seq2[*knowledge.Entry, error]

	// Count returns the number of stored entries, deleted-flagged included.
	Count(ctx context.Context) (int, error)

	// Close releases underlying resources.
	Close() error
}

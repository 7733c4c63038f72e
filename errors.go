package vectorlite

import (
	"errors"
	"fmt"

	"github.com/cssvb94/VectorLiteDB/blobstore"
	"github.com/cssvb94/VectorLiteDB/docstore"
	"github.com/cssvb94/VectorLiteDB/engine"
	"github.com/cssvb94/VectorLiteDB/index/hnsw"
)

var (
	// ErrInvalidArgument is returned for malformed requests: nil entries,
	// empty queries, negative k, mismatched dimensions.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when an entry or import source does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// ErrDimensionMismatch indicates a vector or query whose length differs from
// the store dimension. It matches ErrInvalidArgument under errors.Is; the
// originating error (if any) stays reachable through errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrInvalidArgument, e.cause}
	}
	return []error{ErrInvalidArgument}
}

// translateError maps component errors onto the package sentinels so callers
// only ever match against the vectorlite error surface.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	// Dimension and argument normalization.
	var hdm *hnsw.ErrDimensionMismatch
	if errors.As(err, &hdm) {
		return &ErrDimensionMismatch{Expected: hdm.Expected, Actual: hdm.Actual, cause: err}
	}
	var edm *engine.ErrDimensionMismatch
	if errors.As(err, &edm) {
		return &ErrDimensionMismatch{Expected: edm.Expected, Actual: edm.Actual, cause: err}
	}
	if errors.Is(err, engine.ErrInvalidArgument) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return err
}

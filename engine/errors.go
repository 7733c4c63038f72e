package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned for requests the pipeline cannot run:
// empty query vectors, negative k, mismatched dimensions.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrDimensionMismatch indicates a query dimensionality mismatch.
// It unwraps to ErrInvalidArgument.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return ErrInvalidArgument }

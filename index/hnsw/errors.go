package hnsw

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDimension is returned when an index is created without a
	// positive vector dimension.
	ErrInvalidDimension = errors.New("hnsw: dimension must be positive")

	// ErrZeroVector is returned when a cosine-metric index receives a
	// vector with zero norm, which cannot be normalized.
	ErrZeroVector = errors.New("hnsw: zero vector cannot be normalized")

	// ErrInvalidK is returned for searches with a non-positive k.
	ErrInvalidK = errors.New("hnsw: k must be positive")
)

// ErrDimensionMismatch reports a vector whose length does not match the
// index dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

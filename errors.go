package mnemo

import (
	"errors"
	"fmt"

	"github.com/mnemo-db/mnemo/engine"
	"github.com/mnemo-db/mnemo/index/hnsw"
)

var (
	// ErrNotFound is returned when a concept id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is closed")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrValidation indicates a request that was rejected before touching any
// state. It is never fatal to the engine.
type ErrValidation struct {
	Reason string
	cause  error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

func (e *ErrValidation) Unwrap() error { return e.cause }

// ErrDurability indicates a write that must not be considered durable.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDurability struct {
	Op    string
	cause error
}

func (e *ErrDurability) Error() string {
	return fmt.Sprintf("durability: %s failed", e.Op)
}

func (e *ErrDurability) Unwrap() error { return e.cause }

// ErrCorruption indicates on-disk state that failed a checksum, magic or
// dimension check. Startup refuses to serve over corrupted state.
type ErrCorruption struct {
	Path   string
	Reason string
	cause  error
}

func (e *ErrCorruption) Error() string {
	return fmt.Sprintf("corruption in %s: %s", e.Path, e.Reason)
}

func (e *ErrCorruption) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, engine.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	// Dimension and argument normalization.
	var edm *engine.ErrDimensionMismatch
	if errors.As(err, &edm) {
		return &ErrDimensionMismatch{Expected: edm.Expected, Actual: edm.Actual, cause: err}
	}
	var hdm *hnsw.ErrDimensionMismatch
	if errors.As(err, &hdm) {
		return &ErrDimensionMismatch{Expected: hdm.Expected, Actual: hdm.Actual, cause: err}
	}
	if errors.Is(err, engine.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	// Taxonomy normalization.
	var ev *engine.ErrValidation
	if errors.As(err, &ev) {
		return &ErrValidation{Reason: ev.Reason, cause: err}
	}
	var ed *engine.ErrDurability
	if errors.As(err, &ed) {
		return &ErrDurability{Op: ed.Op, cause: err}
	}
	var ec *engine.ErrCorruption
	if errors.As(err, &ec) {
		return &ErrCorruption{Path: ec.Path, Reason: ec.Reason, cause: err}
	}

	return err
}

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a concept id is unknown.
	ErrNotFound = errors.New("engine: concept not found")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrInvalidK is returned when a search asks for a non-positive k.
	ErrInvalidK = errors.New("engine: k must be positive")
)

// ErrDimensionMismatch reports a vector whose length does not match the
// engine's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("engine: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrValidation reports a request rejected before touching any state. It
// is never fatal to the engine.
type ErrValidation struct {
	Reason string
	cause  error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("engine: validation: %s", e.Reason)
}

func (e *ErrValidation) Unwrap() error { return e.cause }

// ErrDurability reports a write that must not be considered durable. The
// write was never acknowledged; the log may be poisoned until reopen.
type ErrDurability struct {
	Op    string
	cause error
}

func (e *ErrDurability) Error() string {
	return fmt.Sprintf("engine: durability: %s failed", e.Op)
}

func (e *ErrDurability) Unwrap() error { return e.cause }

// ErrCorruption reports on-disk state that failed a checksum, magic or
// dimension check. Startup refuses to serve over it.
type ErrCorruption struct {
	Path   string
	Reason string
	cause  error
}

func (e *ErrCorruption) Error() string {
	return fmt.Sprintf("engine: corruption in %s: %s", e.Path, e.Reason)
}

func (e *ErrCorruption) Unwrap() error { return e.cause }

// Package embed defines the vector source consulted when content is
// learned without an explicit embedding.
//
// The server fills missing vectors through a Source so callers can ship
// raw content and let the deployment decide how vectors are produced.
// Without a Source, vectorless content is stored but never indexed.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

// Source produces an embedding vector for a piece of content.
//
// Implementations must be safe for concurrent use. The returned slice
// is owned by the caller.
type Source interface {
	Embed(ctx context.Context, content []byte) ([]float32, error)
}

// Fixed is a deterministic Source that derives a unit vector from a
// hash of the content. Equal content always embeds to the same point,
// so it is useful in tests and in deployments that only need stable
// content identity rather than semantic similarity.
type Fixed struct {
	dim int
}

var _ Source = (*Fixed)(nil)

// NewFixed returns a Fixed source producing vectors of the given dimension.
func NewFixed(dimension int) *Fixed {
	return &Fixed{dim: dimension}
}

// Dimension returns the dimension of vectors produced by the source.
func (f *Fixed) Dimension() int {
	return f.dim
}

// Embed expands a SHA-256 of the content into an L2-normalized vector.
func (f *Fixed) Embed(_ context.Context, content []byte) ([]float32, error) {
	if f.dim <= 0 {
		return nil, fmt.Errorf("embed: dimension %d must be positive", f.dim)
	}

	sum := sha256.Sum256(content)
	rng := rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(sum[:8])))) // nolint gosec

	vec := make([]float32, f.dim)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		norm = 1
	}

	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}

	return vec, nil
}

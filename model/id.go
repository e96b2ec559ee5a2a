package model

import (
	"crypto/sha256"
	"encoding/binary"
)

// NewConceptID derives the content-addressed id for a payload: the first 8
// bytes of SHA-256(content), little-endian. The id is stable across
// restarts, shards and platforms.
func NewConceptID(content []byte) ConceptID {
	sum := sha256.Sum256(content)
	return ConceptID(binary.LittleEndian.Uint64(sum[:8]))
}

package model

import (
	"fmt"
	"time"
)

// ConceptID is the stable identifier of a concept. It is derived from the
// concept's content (see NewConceptID), so identical content maps to the
// same id on every shard and across restarts.
type ConceptID uint64

// String returns a fixed-width hex representation, convenient in logs.
func (id ConceptID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// RelationKind classifies an association edge.
type RelationKind uint16

const (
	RelationRelated RelationKind = iota
	RelationIsA
	RelationPartOf
	RelationCauses
	RelationCustom RelationKind = 1000
)

// Concept is a stored content record.
type Concept struct {
	ID ConceptID
	// Content is an opaque payload; the engine never interprets it.
	Content []byte
	// Vector is the embedding, or nil for vectorless concepts. When
	// present its length equals the engine's configured dimension.
	Vector []float32
	// Strength supports decay/reinforcement lifecycles. New concepts
	// start at 1.0.
	Strength  float64
	CreatedAt time.Time
	Metadata  map[string]string
}

// Clone returns a deep copy. Published concepts are immutable; cloning
// happens once on ingest so later callers cannot mutate shared state.
func (c *Concept) Clone() *Concept {
	out := &Concept{
		ID:        c.ID,
		Strength:  c.Strength,
		CreatedAt: c.CreatedAt,
	}
	if c.Content != nil {
		out.Content = append([]byte(nil), c.Content...)
	}
	if c.Vector != nil {
		out.Vector = append([]float32(nil), c.Vector...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Association is a directed edge between two concepts.
type Association struct {
	Source    ConceptID
	Target    ConceptID
	Relation  RelationKind
	Weight    float64
	CreatedAt time.Time
}

// SearchResult is one ranked answer from a vector query.
type SearchResult struct {
	ID ConceptID
	// Distance is metric-dependent; smaller is closer.
	Distance float32
}

// Stats is a point-in-time summary of one engine instance.
type Stats struct {
	Concepts    uint64
	Edges       uint64
	Vectors     uint64
	AppliedSeq  uint64
	DurableSeq  uint64
	SnapshotSeq uint64
	IndexSize   uint64
	// Degraded is set when durability is impaired (for example a
	// poisoned log); reads keep working while it is set.
	Degraded bool
}

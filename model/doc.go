// Package model defines the core types of the knowledge graph.
//
// # Identity
//
//   - ConceptID: stable, content-addressed identifier (uint64)
//   - RelationKind: tag classifying an association edge
//
// # Records
//
//   - Concept: stored content with an optional embedding vector and a
//     strength value that decays over time
//   - Association: directed, weighted edge between two concepts
//
// Concepts are content-addressed: learning the same content twice yields
// the same ConceptID, which makes ingestion idempotent by construction.
package model

package mnemo

import (
	"context"
	"time"

	"github.com/mnemo-db/mnemo/model"
	"github.com/mnemo-db/mnemo/shard"
)

// backend is the operation surface shared by a single engine and a
// sharded cluster.
type backend interface {
	Learn(ctx context.Context, content []byte, vector []float32, meta map[string]string) (model.ConceptID, error)
	AddEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind, weight float64) error
	DeleteEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind) error
	GetConcept(id model.ConceptID) (*model.Concept, error)
	Edges(id model.ConceptID) ([]model.Association, error)
	DeleteConcept(ctx context.Context, id model.ConceptID) error
	Reinforce(ctx context.Context, id model.ConceptID, delta float64) error
	Decay(ctx context.Context, factor, floor float64) error
	Search(ctx context.Context, query []float32, k, efSearch int) ([]model.SearchResult, error)
	Stats() model.Stats
	Flush(ctx context.Context) error
	Health() error
	Dimension() int
	Close() error
}

// DB is a durable graph of concepts and weighted associations with
// vector search over concept embeddings.
//
// All methods are safe for concurrent use. Errors are normalized to
// this package's taxonomy, so callers match with errors.Is and
// errors.As against ErrNotFound, ErrClosed, ErrValidation and friends.
type DB struct {
	backend backend
	shards  int
	metrics MetricsCollector
	logger  *Logger
}

// Learn stores content with an optional embedding vector and returns
// its content-derived id. Learning identical content again is a no-op
// that returns the same id; changed metadata or vector rewrites the
// record. An empty vector stores the concept without indexing it.
func (db *DB) Learn(ctx context.Context, content []byte, vector []float32, meta map[string]string) (model.ConceptID, error) {
	start := time.Now()
	id, err := db.backend.Learn(ctx, content, vector, meta)
	duration := time.Since(start)
	err = translateError(err)
	db.metrics.RecordLearn(duration, err)
	db.logger.LogLearn(ctx, id.String(), len(vector), err)
	return id, err
}

// AddEdge upserts a directed weighted association. Both endpoints must
// exist; an edge with the same source, target and relation is replaced.
func (db *DB) AddEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind, weight float64) error {
	start := time.Now()
	err := translateError(db.backend.AddEdge(ctx, source, target, relation, weight))
	db.metrics.RecordEdge(time.Since(start), err)
	db.logger.LogEdge(ctx, source.String(), target.String(), err)
	return err
}

// DeleteEdge removes the association matching source, target and
// relation exactly.
func (db *DB) DeleteEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind) error {
	start := time.Now()
	err := translateError(db.backend.DeleteEdge(ctx, source, target, relation))
	db.metrics.RecordEdge(time.Since(start), err)
	db.logger.LogEdge(ctx, source.String(), target.String(), err)
	return err
}

// DeleteConcept removes a concept together with every association
// touching it and its index entry.
func (db *DB) DeleteConcept(ctx context.Context, id model.ConceptID) error {
	start := time.Now()
	err := translateError(db.backend.DeleteConcept(ctx, id))
	db.metrics.RecordDelete(time.Since(start), err)
	db.logger.LogDelete(ctx, id.String(), err)
	return err
}

// Reinforce adds delta to a concept's strength.
func (db *DB) Reinforce(ctx context.Context, id model.ConceptID, delta float64) error {
	err := translateError(db.backend.Reinforce(ctx, id, delta))
	db.logger.LogReinforce(ctx, id.String(), delta, err)
	return err
}

// Decay multiplies every concept's strength by factor and removes
// concepts that fall below floor.
func (db *DB) Decay(ctx context.Context, factor, floor float64) error {
	err := translateError(db.backend.Decay(ctx, factor, floor))
	db.logger.LogDecay(ctx, factor, floor, err)
	return err
}

// Search returns the k nearest concepts to query, ordered by ascending
// distance with ties broken by id. efSearch widens the candidate beam;
// zero means the configured default.
func (db *DB) Search(ctx context.Context, query []float32, k, efSearch int) ([]model.SearchResult, error) {
	start := time.Now()
	results, err := db.backend.Search(ctx, query, k, efSearch)
	duration := time.Since(start)
	err = translateError(err)
	db.metrics.RecordSearch(k, duration, err)
	db.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

// SearchSimilar returns the k nearest concepts to a stored concept,
// excluding the concept itself. The concept must carry a vector.
func (db *DB) SearchSimilar(ctx context.Context, id model.ConceptID, k, efSearch int) ([]model.SearchResult, error) {
	start := time.Now()
	results, err := db.searchSimilar(ctx, id, k, efSearch)
	duration := time.Since(start)
	err = translateError(err)
	db.metrics.RecordSearch(k, duration, err)
	db.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

func (db *DB) searchSimilar(ctx context.Context, id model.ConceptID, k, efSearch int) ([]model.SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	concept, err := db.backend.GetConcept(id)
	if err != nil {
		return nil, err
	}
	if len(concept.Vector) == 0 {
		return nil, &ErrValidation{Reason: "concept " + id.String() + " has no vector"}
	}

	// Over-fetch by one so the concept's own entry does not consume a
	// result slot.
	results, err := db.backend.Search(ctx, concept.Vector, k+1, efSearch)
	if err != nil {
		return nil, err
	}
	out := results[:0]
	for _, r := range results {
		if r.ID == id {
			continue
		}
		out = append(out, r)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// GetConcept returns a copy of the stored concept.
func (db *DB) GetConcept(id model.ConceptID) (*model.Concept, error) {
	concept, err := db.backend.GetConcept(id)
	return concept, translateError(err)
}

// Edges returns the outgoing associations of a concept, ordered by
// target then relation.
func (db *DB) Edges(id model.ConceptID) ([]model.Association, error) {
	edges, err := db.backend.Edges(id)
	return edges, translateError(err)
}

// Stats returns counters aggregated across all shards.
func (db *DB) Stats() model.Stats {
	return db.backend.Stats()
}

// ShardStats returns per-shard counters. A single-engine database
// reports one entry.
func (db *DB) ShardStats() []model.Stats {
	if c, ok := db.backend.(*shard.Cluster); ok {
		return c.ShardStats()
	}
	return []model.Stats{db.backend.Stats()}
}

// Flush forces every applied write into a snapshot and truncates the
// log. Blocks until the snapshot is durable.
func (db *DB) Flush(ctx context.Context) error {
	return translateError(db.backend.Flush(ctx))
}

// Health reports nil while the database is fully operational. A
// durability error means writes are failing but reads keep serving.
func (db *DB) Health() error {
	return translateError(db.backend.Health())
}

// Dimension returns the configured vector dimension.
func (db *DB) Dimension() int {
	return db.backend.Dimension()
}

// Shards returns the number of engine partitions.
func (db *DB) Shards() int {
	return db.shards
}

// Close flushes pending state and releases all resources. Operations
// after Close return ErrClosed.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return translateError(db.backend.Close())
}

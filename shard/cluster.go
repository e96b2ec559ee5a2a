package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mnemo-db/mnemo/engine"
	"github.com/mnemo-db/mnemo/model"
)

// Options contains configuration for a sharded cluster.
type Options struct {
	// Path is the cluster root directory. Shard i stores its state in
	// the shard-00i subdirectory.
	Path string

	// Shards is the number of independent engines. Fixed for the life
	// of a path.
	Shards int

	// VirtualPerShard is the virtual node count per shard on the ring.
	// Default 128.
	VirtualPerShard int

	// Engine configures each shard's engine. The engine Path is set by
	// the cluster and the engine Logger is derived from Logger when one
	// is given, after these functions run.
	Engine []func(o *engine.Options)

	// Logger receives cluster events, and each shard engine gets it
	// tagged with its shard index. Default discards.
	Logger *slog.Logger
}

// DefaultOptions returns default cluster options.
var DefaultOptions = Options{
	VirtualPerShard: 128,
}

// Cluster routes operations across independent shard engines.
//
// Mutations and point reads go to the key's shard. Associations link
// concepts within one shard; an edge whose target lives elsewhere fails
// endpoint validation. Searches fan out to every shard and merge.
type Cluster struct {
	ring    *Ring
	engines []*engine.Engine
	logger  *slog.Logger
}

// Open opens or creates every shard engine under the cluster root.
func Open(ctx context.Context, optFns ...func(o *Options)) (*Cluster, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Path == "" {
		return nil, &engine.ErrValidation{Reason: "cluster path required"}
	}
	if opts.Shards < 1 {
		return nil, &engine.ErrValidation{Reason: "shard count must be at least 1"}
	}
	if opts.VirtualPerShard <= 0 {
		opts.VirtualPerShard = DefaultOptions.VirtualPerShard
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Cluster{
		ring:    NewRing(opts.Shards, opts.VirtualPerShard),
		engines: make([]*engine.Engine, opts.Shards),
		logger:  opts.Logger,
	}
	for i := range c.engines {
		dir := filepath.Join(opts.Path, fmt.Sprintf("shard-%03d", i))
		logger := opts.Logger.With(slog.Int("shard", i))

		fns := append([]func(o *engine.Options){}, opts.Engine...)
		fns = append(fns, func(o *engine.Options) {
			o.Path = dir
			o.Logger = logger
		})

		eng, err := engine.Open(ctx, fns...)
		if err != nil {
			for _, open := range c.engines[:i] {
				_ = open.Close()
			}
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		c.engines[i] = eng
	}

	opts.Logger.Info("cluster opened", slog.Int("shards", opts.Shards), slog.String("path", opts.Path))
	return c, nil
}

// Shards returns the shard count.
func (c *Cluster) Shards() int {
	return len(c.engines)
}

// Dimension returns the configured vector dimension.
func (c *Cluster) Dimension() int {
	return c.engines[0].Dimension()
}

func (c *Cluster) owner(id model.ConceptID) *engine.Engine {
	return c.engines[c.ring.RouteID(id)]
}

// Learn routes by the content-derived concept id, so repeated learns of
// the same content always land on the same shard.
func (c *Cluster) Learn(ctx context.Context, content []byte, vector []float32, meta map[string]string) (model.ConceptID, error) {
	return c.owner(model.NewConceptID(content)).Learn(ctx, content, vector, meta)
}

// AddEdge routes by source. Both endpoints must live on the source's
// shard.
func (c *Cluster) AddEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind, weight float64) error {
	return c.owner(source).AddEdge(ctx, source, target, relation, weight)
}

// DeleteEdge routes by source.
func (c *Cluster) DeleteEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind) error {
	return c.owner(source).DeleteEdge(ctx, source, target, relation)
}

// GetConcept routes by id.
func (c *Cluster) GetConcept(id model.ConceptID) (*model.Concept, error) {
	return c.owner(id).GetConcept(id)
}

// Edges routes by source id.
func (c *Cluster) Edges(id model.ConceptID) ([]model.Association, error) {
	return c.owner(id).Edges(id)
}

// DeleteConcept routes by id.
func (c *Cluster) DeleteConcept(ctx context.Context, id model.ConceptID) error {
	return c.owner(id).DeleteConcept(ctx, id)
}

// Reinforce routes by id.
func (c *Cluster) Reinforce(ctx context.Context, id model.ConceptID, delta float64) error {
	return c.owner(id).Reinforce(ctx, id, delta)
}

// Decay applies the factor on every shard.
func (c *Cluster) Decay(ctx context.Context, factor, floor float64) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, eng := range c.engines {
		g.Go(func() error {
			if err := eng.Decay(ctx, factor, floor); err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Search scatter-gathers the query over every shard and keeps the
// global top k, ordered by distance with ties broken by ascending id.
func (c *Cluster) Search(ctx context.Context, query []float32, k, efSearch int) ([]model.SearchResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	perShard := make([][]model.SearchResult, len(c.engines))
	for i, eng := range c.engines {
		g.Go(func() error {
			res, err := eng.Search(ctx, query, k, efSearch)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			perShard[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []model.SearchResult
	for _, res := range perShard {
		merged = append(merged, res...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Distance != merged[j].Distance {
			return merged[i].Distance < merged[j].Distance
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// Stats sums counts across shards. The sequence fields report the
// slowest shard, and Degraded is set when any shard is degraded.
func (c *Cluster) Stats() model.Stats {
	var agg model.Stats
	for i, eng := range c.engines {
		s := eng.Stats()
		agg.Concepts += s.Concepts
		agg.Edges += s.Edges
		agg.Vectors += s.Vectors
		agg.IndexSize += s.IndexSize
		if i == 0 || s.AppliedSeq < agg.AppliedSeq {
			agg.AppliedSeq = s.AppliedSeq
		}
		if i == 0 || s.DurableSeq < agg.DurableSeq {
			agg.DurableSeq = s.DurableSeq
		}
		if i == 0 || s.SnapshotSeq < agg.SnapshotSeq {
			agg.SnapshotSeq = s.SnapshotSeq
		}
		agg.Degraded = agg.Degraded || s.Degraded
	}
	return agg
}

// ShardStats returns per-shard statistics, indexed by shard.
func (c *Cluster) ShardStats() []model.Stats {
	stats := make([]model.Stats, len(c.engines))
	for i, eng := range c.engines {
		stats[i] = eng.Stats()
	}
	return stats
}

// Flush forces a snapshot on every shard.
func (c *Cluster) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, eng := range c.engines {
		g.Go(func() error {
			if err := eng.Flush(ctx); err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Health reports the first unhealthy shard, nil when all are healthy.
func (c *Cluster) Health() error {
	for i, eng := range c.engines {
		if err := eng.Health(); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every shard, attempting all of them even when one fails.
func (c *Cluster) Close() error {
	var errs []error
	for i, eng := range c.engines {
		if err := eng.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

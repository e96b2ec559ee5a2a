package mnemo

import (
	"context"

	"github.com/mnemo-db/mnemo/engine"
	"github.com/mnemo-db/mnemo/shard"
)

// Options contains configuration for opening a database.
type Options struct {
	// Path is the data directory. With Shards above one it becomes the
	// cluster root and each shard keeps its state in a subdirectory.
	Path string

	// Dimension is the embedding vector length. Fixed per storage path
	// at first use.
	Dimension int

	// Shards is the number of independent engine partitions. Values
	// below two open a single engine with no routing layer. Fixed for
	// the life of a path.
	Shards int

	// Engine customizes the underlying engine configuration, for knobs
	// not surfaced here (durability mode, flush threshold, archiver,
	// ...). Path, Dimension, Logger and Metrics set on this struct win
	// over values set by these functions.
	Engine []func(o *engine.Options)

	// Logger receives operation and lifecycle events. Default discards.
	Logger *Logger

	// Metrics receives operation measurements. Default discards.
	Metrics MetricsCollector
}

// DefaultOptions returns default database options.
var DefaultOptions = Options{
	Shards: 1,
}

// Open opens or creates a database rooted at the configured path.
//
// Single-shard mode:
//
//	db, err := mnemo.Open(ctx, func(o *mnemo.Options) {
//	    o.Path = "./data"
//	    o.Dimension = 768
//	})
//
// Sharded mode routes every operation across independent engines by
// concept id:
//
//	db, err := mnemo.Open(ctx, func(o *mnemo.Options) {
//	    o.Path = "./data"
//	    o.Dimension = 768
//	    o.Shards = 4
//	})
func Open(ctx context.Context, optFns ...func(o *Options)) (*DB, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetricsCollector{}
	}

	fns := append([]func(o *engine.Options){}, opts.Engine...)
	fns = append(fns, func(o *engine.Options) {
		if opts.Dimension > 0 {
			o.Dimension = opts.Dimension
		}
		if o.Metrics == nil {
			o.Metrics = opts.Metrics
		}
	})

	db := &DB{
		shards:  1,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}

	if opts.Shards > 1 {
		cluster, err := shard.Open(ctx, func(o *shard.Options) {
			o.Path = opts.Path
			o.Shards = opts.Shards
			o.Engine = fns
			o.Logger = opts.Logger.Logger
		})
		if err != nil {
			return nil, translateError(err)
		}
		db.backend = cluster
		db.shards = opts.Shards
		return db, nil
	}

	fns = append(fns, func(o *engine.Options) {
		o.Path = opts.Path
		o.Logger = opts.Logger.Logger
	})
	eng, err := engine.Open(ctx, fns...)
	if err != nil {
		return nil, translateError(err)
	}
	db.backend = eng
	return db, nil
}

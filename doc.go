// Package mnemo provides an embedded knowledge graph store for Go.
//
// Mnemo stores content-addressed concept records connected by directed
// weighted associations, with approximate nearest neighbor search over
// concept embeddings. Writes go through a write-ahead log and are
// applied to an immutable read view by a background reconciler, so
// reads never block writes.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := mnemo.Open(ctx, func(o *mnemo.Options) {
//	    o.Path = "./data"
//	    o.Dimension = 768
//	})
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
// Store concepts and connect them:
//
//	rain, _ := db.Learn(ctx, []byte("rain"), rainVec, nil)
//	wet, _ := db.Learn(ctx, []byte("wet streets"), wetVec, map[string]string{"kind": "observation"})
//	db.AddEdge(ctx, rain, wet, model.RelationCauses, 0.9)
//
// Query by similarity:
//
//	results, _ := db.Search(ctx, queryVec, 10, 0)
//	for _, r := range results {
//	    c, _ := db.GetConcept(r.ID)
//	    fmt.Println(c.ID, r.Distance, string(c.Content))
//	}
//
// # Identity
//
// A concept id is derived from its content (first eight bytes of the
// SHA-256 digest), so learning the same content twice returns the same
// id without writing a second record. Use Reinforce and Decay to manage
// strength over time; a decay sweep garbage collects concepts whose
// strength falls below the floor.
//
// # Durability Model
//
// Every acknowledged mutation is appended to the log before it is
// applied. The default group commit mode batches fsyncs; Options.Engine
// selects synchronous or asynchronous durability instead. A snapshot is
// flushed in the background once enough writes accumulate, after which
// the log is truncated. Flush forces that cycle on demand.
//
// # Scaling Out
//
// Opening with Shards above one partitions concepts across independent
// engines by consistent hashing of the concept id. Point operations
// route to the owning shard, searches fan out and merge. Associations
// stay within one shard, so sharded deployments should derive related
// content keys accordingly.
//
// The server and client packages expose this API over a binary TCP
// protocol; cmd/mnemod ships a daemon around them.
package mnemo

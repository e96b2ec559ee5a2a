package mnemo_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mnemo-db/mnemo"
	"github.com/mnemo-db/mnemo/model"
)

// Example demonstrates storing concepts and searching by vector.
func Example() {
	dir, _ := os.MkdirTemp("", "mnemo-example")
	defer os.RemoveAll(dir)

	ctx := context.Background()
	db, err := mnemo.Open(ctx, func(o *mnemo.Options) {
		o.Path = dir
		o.Dimension = 3
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	// Identical content always maps to the same id.
	id, _ := db.Learn(ctx, []byte("rain"), []float32{1, 0, 0}, nil)
	db.Learn(ctx, []byte("wet streets"), []float32{0.9, 0.1, 0}, nil)

	// Flush applies pending writes so the query below sees them.
	db.Flush(ctx)

	results, _ := db.Search(ctx, []float32{1, 0, 0}, 1, 0)
	fmt.Println(results[0].ID == id)
	fmt.Println(id)
	// Output:
	// true
	// ff17a470c5449b31
}

// Example_associations demonstrates connecting concepts with weighted
// directed edges.
func Example_associations() {
	dir, _ := os.MkdirTemp("", "mnemo-example")
	defer os.RemoveAll(dir)

	ctx := context.Background()
	db, err := mnemo.Open(ctx, func(o *mnemo.Options) {
		o.Path = dir
		o.Dimension = 3
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	rain, _ := db.Learn(ctx, []byte("rain"), []float32{1, 0, 0}, nil)
	wet, _ := db.Learn(ctx, []byte("wet streets"), []float32{0.9, 0.1, 0}, nil)
	db.AddEdge(ctx, rain, wet, model.RelationCauses, 0.9)
	db.Flush(ctx)

	edges, _ := db.Edges(rain)
	for _, e := range edges {
		fmt.Println(e.Target, e.Weight)
	}
	// Output: 085b67e09ebc79e9 0.9
}

// Example_searchSimilar demonstrates finding the neighbors of a stored
// concept without re-supplying its vector.
func Example_searchSimilar() {
	dir, _ := os.MkdirTemp("", "mnemo-example")
	defer os.RemoveAll(dir)

	ctx := context.Background()
	db, err := mnemo.Open(ctx, func(o *mnemo.Options) {
		o.Path = dir
		o.Dimension = 3
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	rain, _ := db.Learn(ctx, []byte("rain"), []float32{1, 0, 0}, nil)
	db.Learn(ctx, []byte("wet streets"), []float32{0.9, 0.1, 0}, nil)
	db.Learn(ctx, []byte("slippery roads"), []float32{0.8, 0.2, 0}, nil)
	db.Flush(ctx)

	neighbors, _ := db.SearchSimilar(ctx, rain, 1, 0)
	fmt.Println(neighbors[0].ID)
	// Output: 085b67e09ebc79e9
}

// Example_sharded demonstrates partitioning across independent engines.
func Example_sharded() {
	dir, _ := os.MkdirTemp("", "mnemo-example")
	defer os.RemoveAll(dir)

	ctx := context.Background()
	db, err := mnemo.Open(ctx, func(o *mnemo.Options) {
		o.Path = dir
		o.Dimension = 3
		o.Shards = 4
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println(db.Shards())
	// Output: 4
}

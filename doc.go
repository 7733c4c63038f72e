// Package vectorlite provides an embedded vector knowledge store for Go.
//
// VectorLiteDB keeps knowledge entries (content, embedding, metadata,
// tags, and weighted relations to other entries) in a document store, and
// serves similarity search over them through an in-memory HNSW index with
// metadata/tag filtering and relation-graph traversal.
//
// # Quick Start
//
//	ctx := context.Background()
//	store, _ := vectorlite.Open("knowledge.db", vectorlite.WithDimension(384))
//	defer store.Close()
//
//	id, _ := store.Add(ctx, &knowledge.Entry{
//	    Content:   "HNSW is a graph-based ANN index.",
//	    Embedding: embedding,
//	    Tags:      []string{"AI/ML"},
//	    Metadata:  knowledge.Metadata{"category": knowledge.String("indexing")},
//	})
//
//	results, _ := store.Search(ctx, knowledge.SearchRequest{
//	    Query: queryVector,
//	    K:     10,
//	})
//	for _, r := range results {
//	    fmt.Println(r.Entry.ID, r.Similarity)
//	}
//
// In-memory stores (connection string "" or ":memory:") are handy for
// tests; "dynamodb://TABLE" keeps the documents in DynamoDB.
//
// # Filtering and Traversal
//
// Searches accept exact metadata filters, tag sets, and hierarchical tag
// prefixes ("AI" matches "AI/ML/NeuralNetworks"). With TraversalDepth > 0
// the engine expands the top vector hits through their relation edges,
// scoring each hop with a 0.95 decay per level times the edge weight:
//
//	results, _ := store.Search(ctx, knowledge.SearchRequest{
//	    Query:          queryVector,
//	    K:              10,
//	    Filters:        knowledge.Metadata{"category": knowledge.String("indexing")},
//	    TagPrefixes:    []string{"AI"},
//	    TraversalDepth: 2,
//	})
//
// Relations are kept bidirectional automatically: adding an entry with a
// "parent_of" edge gives the target a "child_of" edge back.
//
// # Deletion Lifecycle
//
// MarkForDeletion hides an entry without removing it; ClearDeletedFlags
// brings every hidden entry back. RebuildIndex rebuilds the vector index
// and purges tombstones for good, and ShouldRebuild says when that is
// worth doing. WithAutoRebuild(true) runs the rebuild automatically in the
// background.
//
// # Sharding
//
// OpenSharded splits a store across N cores by id hash for parallel write
// throughput; searches fan out and merge:
//
//	router, _ := vectorlite.OpenSharded(4, "knowledge", vectorlite.WithDimension(384))
//	defer router.Close()
//
// # Key Features
//
//   - HNSW index with deterministic seeding and tombstone/rebuild lifecycle
//   - Metadata and hierarchical tag filtering on roaring bitmaps
//   - Weighted relation graph with decayed BFS traversal
//   - sqlite, in-memory, and DynamoDB document backends
//   - JSON import/export to local files, S3, MinIO, or memory, with
//     optional zstd compression
//   - Index snapshots (SaveIndex/LoadIndex) for fast restarts
//   - Optional AES-256-GCM at-rest encryption
//   - Structured logging, pluggable metrics, and resource budgets
package vectorlite

package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cssvb94/VectorLiteDB/docstore"
	"github.com/cssvb94/VectorLiteDB/index/hnsw"
	"github.com/cssvb94/VectorLiteDB/knowledge"
	"github.com/cssvb94/VectorLiteDB/pk"
	"github.com/cssvb94/VectorLiteDB/testutil"
)

type engineFixture struct {
	docs   *docstore.Memory
	index  *hnsw.Index
	filter *Filter
	slots  *pk.Map
	eng    *Engine
}

func newEngineFixture(t *testing.T, dim int) *engineFixture {
	t.Helper()

	index, err := hnsw.New(func(o *hnsw.Options) { o.Dimension = dim })
	require.NoError(t, err)

	f := &engineFixture{
		docs:   docstore.NewMemory(),
		index:  index,
		filter: NewFilter(),
		slots:  pk.New(),
	}
	f.eng = New(f.docs, f.index, f.filter, f.slots)
	return f
}

func (f *engineFixture) add(t *testing.T, e *knowledge.Entry) {
	t.Helper()

	require.NoError(t, f.docs.Put(context.Background(), e))
	slot := f.slots.Assign(e.ID)
	f.filter.Index(slot, e)
	if e.Embedding != nil && !e.IsDeleted {
		require.NoError(t, f.index.Add(e.ID, e.Embedding))
	}
}

func (f *engineFixture) softDelete(t *testing.T, id string) {
	t.Helper()

	slot, ok := f.slots.Lookup(id)
	require.True(t, ok)
	f.filter.MarkDeleted(slot)
	f.index.Remove(id)
}

func vecEntry(id string, embedding []float32) *knowledge.Entry {
	return &knowledge.Entry{ID: id, Content: "content of " + id, Embedding: embedding}
}

func TestEngine_SearchValidation(t *testing.T) {
	f := newEngineFixture(t, 3)
	ctx := context.Background()

	_, err := f.eng.Search(ctx, knowledge.SearchRequest{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.eng.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0, 0}, K: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.eng.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0}})
	var dimErr *ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Actual)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEngine_SearchEmptyStore(t *testing.T) {
	f := newEngineFixture(t, 3)

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{Query: []float32{1, 0, 0}})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_SearchRanking(t *testing.T) {
	f := newEngineFixture(t, 3)

	f.add(t, vecEntry("exact", []float32{1, 0, 0}))
	f.add(t, vecEntry("close", []float32{1, 1, 0}))
	f.add(t, vecEntry("far", []float32{0, 0, 1}))

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{Query: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "exact", results[0].Entry.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Equal(t, "close", results[1].Entry.ID)
	assert.InDelta(t, 0.7071, results[1].Similarity, 1e-3)
	assert.Equal(t, "far", results[2].Entry.ID)

	// Entries come back with their content.
	assert.Equal(t, "content of exact", results[0].Entry.Content)
}

func TestEngine_SearchScaleInvariant(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.add(t, vecEntry("scaled", []float32{5, 0, 0}))

	// Unnormalized query against an unnormalized vector still scores 1.0.
	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{Query: []float32{3, 0, 0}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}

func TestEngine_SearchTruncatesToK(t *testing.T) {
	f := newEngineFixture(t, 3)
	for i := 0; i < 5; i++ {
		f.add(t, vecEntry(fmt.Sprintf("e%d", i), []float32{1, float32(i) * 0.1, 0}))
	}

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{Query: []float32{1, 0, 0}, K: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "e0", results[0].Entry.ID)
}

func TestEngine_SearchAppliesFilters(t *testing.T) {
	f := newEngineFixture(t, 3)

	tech := vecEntry("tech", []float32{1, 0, 0})
	tech.Metadata = knowledge.Metadata{"category": knowledge.String("tech")}
	science := vecEntry("science", []float32{1, 0, 0})
	science.Metadata = knowledge.Metadata{"category": knowledge.String("science")}
	f.add(t, tech)
	f.add(t, science)

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{
		Query:   []float32{1, 0, 0},
		Filters: map[string]knowledge.Value{"category": knowledge.String("science")},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "science", results[0].Entry.ID)
}

func TestEngine_SearchByTagPrefix(t *testing.T) {
	f := newEngineFixture(t, 3)

	ml := vecEntry("ml", []float32{1, 0, 0})
	ml.Tags = []string{"AI/ML/NeuralNetworks"}
	ops := vecEntry("ops", []float32{1, 0, 0})
	ops.Tags = []string{"AI/MLops"}
	f.add(t, ml)
	f.add(t, ops)

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{
		Query:       []float32{1, 0, 0},
		TagPrefixes: []string{"AI/ML"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ml", results[0].Entry.ID)
}

func TestEngine_SearchUseExact(t *testing.T) {
	f := newEngineFixture(t, 3)

	f.add(t, vecEntry("dup", []float32{1, 0, 0}))
	f.add(t, vecEntry("near", []float32{1, 0.1, 0}))

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{
		Query:    []float32{1, 0, 0},
		UseExact: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "dup", results[0].Entry.ID)
}

func TestEngine_SearchTraversalExpands(t *testing.T) {
	f := newEngineFixture(t, 3)

	root := vecEntry("root", []float32{1, 0, 0})
	root.Metadata = knowledge.Metadata{"category": knowledge.String("tech")}
	root.Relations = []knowledge.Relation{
		{TargetID: "branch", Weight: 1.5, Type: knowledge.RelationReferences},
	}
	branch := vecEntry("branch", []float32{0.6, 0.8, 0})
	branch.Metadata = knowledge.Metadata{"category": knowledge.String("other")}
	f.add(t, root)
	f.add(t, branch)

	// The filter scopes seeds only; traversal may leave the filtered set.
	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{
		Query:          []float32{1, 0, 0},
		TraversalDepth: 1,
		Filters:        map[string]knowledge.Value{"category": knowledge.String("tech")},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "root", results[0].Entry.ID)
	assert.Equal(t, 0, results[0].TraversalDepth)

	assert.Equal(t, "branch", results[1].Entry.ID)
	assert.Equal(t, 1, results[1].TraversalDepth)
	assert.InDelta(t, 0.6*0.95*1.5, results[1].Similarity, 1e-3)
	assert.Equal(t, "root", results[1].SourceEntryID)
	assert.Equal(t, []string{"root", "branch"}, results[1].RelationPath)
}

func TestEngine_SearchTraversalTruncatesToK(t *testing.T) {
	f := newEngineFixture(t, 3)

	root := vecEntry("root", []float32{1, 0, 0})
	root.Relations = []knowledge.Relation{
		{TargetID: "branch", Weight: 1.0, Type: knowledge.RelationReferences},
	}
	f.add(t, root)
	f.add(t, vecEntry("branch", []float32{0.6, 0.8, 0}))

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{
		Query:          []float32{1, 0, 0},
		TraversalDepth: 1,
		K:              1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "root", results[0].Entry.ID)
}

func TestEngine_SearchSkipsDeleted(t *testing.T) {
	f := newEngineFixture(t, 3)

	f.add(t, vecEntry("keep", []float32{1, 0, 0}))
	f.add(t, vecEntry("gone", []float32{1, 0, 0}))
	f.softDelete(t, "gone")

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{Query: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", results[0].Entry.ID)
}

func TestEngine_SearchMasksStaleIndexHits(t *testing.T) {
	f := newEngineFixture(t, 3)

	f.add(t, vecEntry("live", []float32{1, 0, 0}))
	f.add(t, vecEntry("stale", []float32{1, 0, 0}))

	// Entry vanished from the document store but its index node remains.
	require.NoError(t, f.docs.Delete(context.Background(), "stale"))

	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{Query: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "live", results[0].Entry.ID)
}

func TestEngine_SearchApproximatePath(t *testing.T) {
	const (
		dim = 16
		n   = 1200
	)

	f := newEngineFixture(t, dim)
	rng := testutil.NewRNG(7)
	vectors := rng.UnitVectors(n, dim)

	for i, vec := range vectors {
		f.add(t, vecEntry(fmt.Sprintf("v%d", i), vec))
	}

	// Large live set and large index force the graph path; querying a
	// stored vector must surface it first.
	results, err := f.eng.Search(context.Background(), knowledge.SearchRequest{
		Query: vectors[42],
		K:     5,
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, "v42", results[0].Entry.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-4)

	usage := f.eng.Usage()
	assert.Equal(t, int64(1), usage.TotalSearches)
	assert.InDelta(t, 0.99, usage.AverageRecall, 1e-9)
}

func TestEngine_Usage(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.add(t, vecEntry("a", []float32{1, 0, 0}))

	usage := f.eng.Usage()
	assert.Zero(t, usage.TotalSearches)
	assert.Equal(t, 1.0, usage.AverageRecall)

	for i := 0; i < 3; i++ {
		_, err := f.eng.Search(context.Background(), knowledge.SearchRequest{Query: []float32{1, 0, 0}})
		require.NoError(t, err)
	}

	usage = f.eng.Usage()
	assert.Equal(t, int64(3), usage.TotalSearches)
	assert.Equal(t, 1.0, usage.AverageRecall)
	assert.Positive(t, usage.TotalSearchTime)
}

func TestEngine_SearchCancelled(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.add(t, vecEntry("a", []float32{1, 0, 0}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.eng.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0, 0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// Aborted searches leave the counters untouched.
	assert.Zero(t, f.eng.Usage().TotalSearches)
}

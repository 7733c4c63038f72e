package vectorlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cssvb94/VectorLiteDB/knowledge"
)

func newTestStore(t *testing.T, optFns ...Option) *Store {
	t.Helper()

	s, err := Open("", append([]Option{WithDimension(3)}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func embedded(id string, embedding []float32) *knowledge.Entry {
	return &knowledge.Entry{ID: id, Content: "content of " + id, Embedding: embedding}
}

func TestOpen_Validation(t *testing.T) {
	t.Run("rejects non-positive dimension", func(t *testing.T) {
		_, err := Open("", WithDimension(0))
		require.ErrorIs(t, err, ErrInvalidArgument)

		_, err = Open("", WithDimension(-1))
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("rejects empty dynamodb table", func(t *testing.T) {
		_, err := Open("dynamodb://", WithDimension(3))
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestStore_AddAssignsID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Add(ctx, &knowledge.Entry{Content: "anonymous"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "anonymous", got.Content)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStore_AddValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("nil entry", func(t *testing.T) {
		_, err := s.Add(ctx, nil)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := s.Add(ctx, embedded("short", []float32{1, 0}))
		require.Error(t, err)

		var dimErr *ErrDimensionMismatch
		require.ErrorAs(t, err, &dimErr)
		assert.Equal(t, 3, dimErr.Expected)
		assert.Equal(t, 2, dimErr.Actual)
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, getErr := s.Get(ctx, "short")
		assert.ErrorIs(t, getErr, ErrNotFound)
	})
}

func TestStore_AddClonesInput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := embedded("stable", []float32{1, 0, 0})
	e.Tags = []string{"AI/ML"}
	_, err := s.Add(ctx, e)
	require.NoError(t, err)

	// Mutations of the caller's entry after Add must not leak in.
	e.Content = "mutated"
	e.Embedding[0] = 99
	e.Tags[0] = "mutated"

	got, err := s.Get(ctx, "stable")
	require.NoError(t, err)
	assert.Equal(t, "content of stable", got.Content)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.Equal(t, []string{"AI/ML"}, got.Tags)

	// Mutations of a returned entry must not leak into later reads.
	got.Content = "scribbled"
	got.Embedding[1] = 42

	again, err := s.Get(ctx, "stable")
	require.NoError(t, err)
	assert.Equal(t, "content of stable", again.Content)
	assert.Equal(t, []float32{1, 0, 0}, again.Embedding)
}

func TestStore_GetNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReaddPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Add(ctx, embedded("stable", []float32{1, 0, 0}))
	require.NoError(t, err)

	first, err := s.Get(ctx, "stable")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = s.Add(ctx, &knowledge.Entry{ID: "stable", Content: "revised", Embedding: []float32{0, 1, 0}})
	require.NoError(t, err)

	second, err := s.Get(ctx, "stable")
	require.NoError(t, err)
	assert.Equal(t, "revised", second.Content)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "CreatedAt must survive updates")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "UpdatedAt must advance")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries, "re-adding the same id must not duplicate")
}

func TestStore_SearchExactSelfMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Add(ctx, embedded("self", []float32{1, 0, 0}))
	require.NoError(t, err)

	results, err := s.Search(ctx, knowledge.SearchRequest{
		Query:    []float32{1, 0, 0},
		K:        1,
		UseExact: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Entry.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-3)
	assert.GreaterOrEqual(t, results[0].Similarity, 0.999)
	assert.Equal(t, 0, results[0].TraversalDepth)
}

func TestStore_SearchScaleInvariant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Add(ctx, embedded("scaled", []float32{3, 0, 0}))
	require.NoError(t, err)

	results, err := s.Search(ctx, knowledge.SearchRequest{Query: []float32{5, 0, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-3)
}

func TestStore_SearchValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Add(ctx, embedded("a", []float32{1, 0, 0}))
	require.NoError(t, err)

	t.Run("negative k", func(t *testing.T) {
		_, err := s.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0, 0}, K: -1})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("empty query", func(t *testing.T) {
		_, err := s.Search(ctx, knowledge.SearchRequest{K: 1})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("query dimension mismatch", func(t *testing.T) {
		_, err := s.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0}, K: 1})

		var dimErr *ErrDimensionMismatch
		require.ErrorAs(t, err, &dimErr)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestStore_SearchEmptyStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	results, err := s.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0, 0}, K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_SearchFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := embedded("a", []float32{1, 0, 0})
	a.Metadata = knowledge.Metadata{"category": knowledge.String("AI")}
	b := embedded("b", []float32{0.9, 0.1, 0})
	b.Metadata = knowledge.Metadata{"category": knowledge.String("ML")}

	_, err := s.AddBatch(ctx, []*knowledge.Entry{a, b})
	require.NoError(t, err)

	results, err := s.Search(ctx, knowledge.SearchRequest{
		Query:   []float32{1, 0, 0},
		K:       10,
		Filters: map[string]knowledge.Value{"category": knowledge.String("AI")},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Entry.ID)
}

func TestStore_SearchTagPrefixes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tagged := func(id string, embedding []float32, tag string) *knowledge.Entry {
		e := embedded(id, embedding)
		e.Tags = []string{tag}
		return e
	}

	_, err := s.AddBatch(ctx, []*knowledge.Entry{
		tagged("ml", []float32{1, 0, 0}, "AI/ML"),
		tagged("nn", []float32{0.9, 0.1, 0}, "AI/ML/NeuralNetworks"),
		tagged("dl", []float32{0.9, 0, 0.1}, "AI/ML/DeepLearning"),
		tagged("py", []float32{0, 1, 0}, "Programming/Python"),
		tagged("ops", []float32{0, 0, 1}, "AI/MLops"),
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, knowledge.SearchRequest{
		Query:       []float32{1, 0, 0},
		K:           10,
		TagPrefixes: []string{"AI/ML"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Entry.ID)
	}
	assert.ElementsMatch(t, []string{"ml", "nn", "dl"}, ids)
	assert.NotContains(t, ids, "ops", "prefix match must respect the / boundary")
}

func TestStore_Reciprocity(t *testing.T) {
	ctx := context.Background()

	t.Run("symmetric type mirrors back", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Add(ctx, embedded("b", []float32{0, 1, 0}))
		require.NoError(t, err)

		a := embedded("a", []float32{1, 0, 0})
		a.Relations = []knowledge.Relation{{TargetID: "b", Weight: 1.0, Type: knowledge.RelationRelatesTo}}
		_, err = s.Add(ctx, a)
		require.NoError(t, err)

		b, err := s.Get(ctx, "b")
		require.NoError(t, err)
		require.Len(t, b.Relations, 1)
		assert.Equal(t, "a", b.Relations[0].TargetID)
		assert.Equal(t, knowledge.RelationRelatesTo, b.Relations[0].Type)
		assert.InDelta(t, 1.0, b.Relations[0].Weight, 1e-9)
		assert.False(t, b.Relations[0].CreatedAt.IsZero())
	})

	t.Run("asymmetric type inverts", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Add(ctx, embedded("child", []float32{0, 1, 0}))
		require.NoError(t, err)

		parent := embedded("parent", []float32{1, 0, 0})
		parent.Relations = []knowledge.Relation{{TargetID: "child", Weight: 1.7, Type: knowledge.RelationParentOf}}
		_, err = s.Add(ctx, parent)
		require.NoError(t, err)

		child, err := s.Get(ctx, "child")
		require.NoError(t, err)
		require.Len(t, child.Relations, 1)
		assert.Equal(t, "parent", child.Relations[0].TargetID)
		assert.Equal(t, knowledge.RelationChildOf, child.Relations[0].Type)
		assert.InDelta(t, 1.7, child.Relations[0].Weight, 1e-9)
	})

	t.Run("weights clamp before mirroring", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Add(ctx, embedded("b", []float32{0, 1, 0}))
		require.NoError(t, err)

		a := embedded("a", []float32{1, 0, 0})
		a.Relations = []knowledge.Relation{{TargetID: "b", Weight: 5.0, Type: knowledge.RelationDependsOn}}
		_, err = s.Add(ctx, a)
		require.NoError(t, err)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got.Relations, 1)
		assert.InDelta(t, knowledge.WeightMax, got.Relations[0].Weight, 1e-9)

		b, err := s.Get(ctx, "b")
		require.NoError(t, err)
		require.Len(t, b.Relations, 1)
		assert.Equal(t, knowledge.RelationDependedBy, b.Relations[0].Type)
		assert.InDelta(t, knowledge.WeightMax, b.Relations[0].Weight, 1e-9)
	})

	t.Run("re-add does not duplicate the inverse edge", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Add(ctx, embedded("b", []float32{0, 1, 0}))
		require.NoError(t, err)

		a := embedded("a", []float32{1, 0, 0})
		a.Relations = []knowledge.Relation{{TargetID: "b", Weight: 1.0, Type: knowledge.RelationRelatesTo}}
		_, err = s.Add(ctx, a)
		require.NoError(t, err)
		_, err = s.Add(ctx, a)
		require.NoError(t, err)

		b, err := s.Get(ctx, "b")
		require.NoError(t, err)
		assert.Len(t, b.Relations, 1)
	})

	t.Run("missing target is skipped", func(t *testing.T) {
		s := newTestStore(t)

		a := embedded("a", []float32{1, 0, 0})
		a.Relations = []knowledge.Relation{{TargetID: "nowhere", Weight: 1.0, Type: knowledge.RelationReferences}}
		_, err := s.Add(ctx, a)
		require.NoError(t, err)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, got.Relations, 1, "the forward edge stays even when the target is missing")
	})
}

func TestStore_DeletionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AddBatch(ctx, []*knowledge.Entry{
		embedded("keep", []float32{1, 0, 0}),
		embedded("drop", []float32{0.9, 0.1, 0}),
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkForDeletion(ctx, "drop"))

	t.Run("deleted entries vanish from reads", func(t *testing.T) {
		_, err := s.Get(ctx, "drop")
		require.ErrorIs(t, err, ErrNotFound)

		for _, exact := range []bool{false, true} {
			results, err := s.Search(ctx, knowledge.SearchRequest{
				Query:    []float32{0.9, 0.1, 0},
				K:        10,
				UseExact: exact,
			})
			require.NoError(t, err)
			for _, r := range results {
				assert.NotEqual(t, "drop", r.Entry.ID)
			}
		}

		n, err := s.DeletedCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalEntries)
	})

	t.Run("re-deleting is a no-op", func(t *testing.T) {
		require.NoError(t, s.MarkForDeletion(ctx, "drop"))

		n, err := s.DeletedCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("deleting unknown id fails", func(t *testing.T) {
		err := s.MarkForDeletion(ctx, "ghost")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("clearing flags restores", func(t *testing.T) {
		restored, err := s.ClearDeletedFlags(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, restored)

		got, err := s.Get(ctx, "drop")
		require.NoError(t, err)
		assert.False(t, got.IsDeleted)
		assert.Nil(t, got.DeletedAt)

		results, err := s.Search(ctx, knowledge.SearchRequest{Query: []float32{0.9, 0.1, 0}, K: 1})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "drop", results[0].Entry.ID)

		n, err := s.DeletedCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("purge removes rows for good", func(t *testing.T) {
		require.NoError(t, s.MarkForDeletion(ctx, "drop"))

		purged, err := s.PurgeDeleted(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)

		_, err = s.Get(ctx, "drop")
		require.ErrorIs(t, err, ErrNotFound)

		err = s.MarkForDeletion(ctx, "drop")
		require.ErrorIs(t, err, ErrNotFound)

		n, err := s.DeletedCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestStore_PurgeLeavesDanglingRelations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Add(ctx, embedded("b", []float32{0, 1, 0}))
	require.NoError(t, err)

	a := embedded("a", []float32{1, 0, 0})
	a.Relations = []knowledge.Relation{{TargetID: "b", Weight: 1.0, Type: knowledge.RelationRelatesTo}}
	_, err = s.Add(ctx, a)
	require.NoError(t, err)

	require.NoError(t, s.MarkForDeletion(ctx, "b"))
	_, err = s.PurgeDeleted(ctx)
	require.NoError(t, err)

	// The forward edge dangles; traversal skips it without failing.
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got.Relations, 1)

	results, err := s.Search(ctx, knowledge.SearchRequest{
		Query:          []float32{1, 0, 0},
		K:              10,
		TraversalDepth: 2,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Entry.ID)
}

func TestStore_ShouldRebuildHeuristic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := range 10 {
		_, err := s.Add(ctx, embedded(fmt.Sprintf("e%d", i), []float32{float32(i + 1), 1, 0}))
		require.NoError(t, err)
	}

	should, err := s.ShouldRebuild(ctx)
	require.NoError(t, err)
	assert.False(t, should)

	// One tombstone out of ten sits exactly at the 10% ratio, not above it.
	require.NoError(t, s.MarkForDeletion(ctx, "e0"))
	should, err = s.ShouldRebuild(ctx)
	require.NoError(t, err)
	assert.False(t, should)

	require.NoError(t, s.MarkForDeletion(ctx, "e1"))
	should, err = s.ShouldRebuild(ctx)
	require.NoError(t, err)
	assert.True(t, should)
}

func TestStore_RebuildIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := range 10 {
		_, err := s.Add(ctx, embedded(fmt.Sprintf("e%d", i), []float32{float32(i + 1), 1, 0}))
		require.NoError(t, err)
	}
	for _, id := range []string{"e0", "e1", "e2", "e3"} {
		require.NoError(t, s.MarkForDeletion(ctx, id))
	}

	should, err := s.ShouldRebuild(ctx)
	require.NoError(t, err)
	require.True(t, should)

	require.NoError(t, s.RebuildIndex(ctx))

	should, err = s.ShouldRebuild(ctx)
	require.NoError(t, err)
	assert.False(t, should)

	n, err := s.DeletedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	restored, err := s.ClearDeletedFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, restored, "rebuild purges tombstones, nothing left to restore")

	// Survivors stay searchable with their original embeddings.
	results, err := s.Search(ctx, knowledge.SearchRequest{Query: []float32{10, 1, 0}, K: 1, UseExact: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "e9", results[0].Entry.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-3)

	results, err = s.Search(ctx, knowledge.SearchRequest{Query: []float32{10, 1, 0}, K: 10})
	require.NoError(t, err)
	assert.Len(t, results, 6, "only survivors remain visible")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.TotalEntries)
	require.NotNil(t, stats.LastIndexRebuild)
	assert.WithinDuration(t, time.Now(), *stats.LastIndexRebuild, time.Minute)
}

func TestStore_AutoRebuild(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithAutoRebuild(true))

	for i := range 10 {
		_, err := s.Add(ctx, embedded(fmt.Sprintf("e%d", i), []float32{float32(i + 1), 1, 0}))
		require.NoError(t, err)
	}

	require.NoError(t, s.MarkForDeletion(ctx, "e0"))
	require.NoError(t, s.MarkForDeletion(ctx, "e1"))

	require.Eventually(t, func() bool {
		n, err := s.DeletedCount(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 5*time.Millisecond, "background rebuild should purge tombstones")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.TotalEntries)
	assert.NotNil(t, stats.LastIndexRebuild)
}

func TestStore_TraversalChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chain := []*knowledge.Entry{
		embedded("root", []float32{1, 0, 0}),
		embedded("l1", []float32{0.9, 0.1, 0}),
		embedded("l2", []float32{0.8, 0.2, 0}),
		embedded("l3", []float32{0.7, 0.3, 0}),
	}
	chain[0].Relations = []knowledge.Relation{{TargetID: "l1", Weight: 1.0, Type: knowledge.RelationParentOf}}
	chain[1].Relations = []knowledge.Relation{{TargetID: "l2", Weight: 1.0, Type: knowledge.RelationParentOf}}
	chain[2].Relations = []knowledge.Relation{{TargetID: "l3", Weight: 1.0, Type: knowledge.RelationParentOf}}

	// Add targets first so every forward edge resolves at insert time.
	for i := len(chain) - 1; i >= 0; i-- {
		_, err := s.Add(ctx, chain[i])
		require.NoError(t, err)
	}

	// Only root clears the exact-match floor; the rest arrive by traversal.
	results, err := s.Search(ctx, knowledge.SearchRequest{
		Query:          []float32{1, 0, 0},
		K:              10,
		UseExact:       true,
		TraversalDepth: 3,
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "root", results[0].Entry.ID)
	assert.Equal(t, 0, results[0].TraversalDepth)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-3)

	assert.Equal(t, "l1", results[1].Entry.ID)
	assert.Equal(t, 1, results[1].TraversalDepth)
	assert.Equal(t, "root", results[1].SourceEntryID)
	assert.Equal(t, []string{"root", "l1"}, results[1].RelationPath)
	assert.InDelta(t, 0.9939*0.95, results[1].Similarity, 1e-2)

	assert.Equal(t, "l2", results[2].Entry.ID)
	assert.Equal(t, 2, results[2].TraversalDepth)

	assert.Equal(t, "l3", results[3].Entry.ID)
	assert.Equal(t, 3, results[3].TraversalDepth)
	assert.Equal(t, []string{"root", "l1", "l2", "l3"}, results[3].RelationPath)

	for i := 1; i < len(results); i++ {
		assert.Less(t, results[i].Similarity, results[i-1].Similarity)
		assert.GreaterOrEqual(t, results[i].Similarity, 0.0)
	}
}

func TestStore_TraversalEdgeWeights(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AddBatch(ctx, []*knowledge.Entry{
		embedded("heavy", []float32{0.9, 0.1, 0}),
		embedded("light", []float32{0.9, -0.1, 0}),
	})
	require.NoError(t, err)

	root := embedded("root", []float32{1, 0, 0})
	root.Relations = []knowledge.Relation{
		{TargetID: "heavy", Weight: 2.0, Type: knowledge.RelationRelatesTo},
		{TargetID: "light", Weight: 0.5, Type: knowledge.RelationRelatesTo},
	}
	_, err = s.Add(ctx, root)
	require.NoError(t, err)

	results, err := s.Search(ctx, knowledge.SearchRequest{
		Query:          []float32{1, 0, 0},
		K:              10,
		UseExact:       true,
		TraversalDepth: 1,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// An amplifying edge can outrank the seed itself.
	assert.Equal(t, "heavy", results[0].Entry.ID)
	assert.InDelta(t, 0.9939*0.95*2.0, results[0].Similarity, 1e-2)
	assert.Equal(t, "root", results[1].Entry.ID)
	assert.Equal(t, "light", results[2].Entry.ID)
	assert.InDelta(t, 0.9939*0.95*0.5, results[2].Similarity, 1e-2)
}

func TestStore_TraversalUnembeddedTarget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Add(ctx, &knowledge.Entry{ID: "note", Content: "no embedding"})
	require.NoError(t, err)

	root := embedded("root", []float32{1, 0, 0})
	root.Relations = []knowledge.Relation{{TargetID: "note", Weight: 1.0, Type: knowledge.RelationReferences}}
	_, err = s.Add(ctx, root)
	require.NoError(t, err)

	results, err := s.Search(ctx, knowledge.SearchRequest{
		Query:          []float32{1, 0, 0},
		K:              10,
		TraversalDepth: 1,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "root", results[0].Entry.ID)
	assert.Equal(t, "note", results[1].Entry.ID)
	assert.Zero(t, results[1].Similarity, "unembedded targets surface with zero similarity")
	assert.Equal(t, 1, results[1].TraversalDepth)
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("fresh store", func(t *testing.T) {
		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalEntries)
		assert.Zero(t, stats.HNSWIndexSize)
		assert.Zero(t, stats.IndexSize)
		assert.Zero(t, stats.TotalSearches)
		assert.Equal(t, int64(1), stats.ActiveConnections)
		assert.InDelta(t, 1.0, stats.AverageRecall, 1e-9)
		assert.Nil(t, stats.LastIndexRebuild)
	})

	t.Run("populated store", func(t *testing.T) {
		for i := range 9 {
			e := embedded(fmt.Sprintf("e%d", i), []float32{float32(i + 1), 1, 0})
			e.Metadata = knowledge.Metadata{"category": knowledge.String("AI")}
			e.Tags = []string{"AI/ML"}
			_, err := s.Add(ctx, e)
			require.NoError(t, err)
		}

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(9), stats.TotalEntries)
		assert.Equal(t, int64(9), stats.HNSWIndexSize)
		assert.Zero(t, stats.IndexSize, "embedding statistics need ten samples")
		assert.Positive(t, stats.MemoryUsage)
		assert.False(t, stats.LastUpdated.IsZero())
		assert.Equal(t, map[string]int64{"AI": 9}, stats.MetadataCategoryCounts)
		assert.Equal(t, map[string]int64{"AI/ML": 9}, stats.TagDistribution)

		_, err = s.Add(ctx, embedded("e9", []float32{10, 1, 0}))
		require.NoError(t, err)

		stats, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.IndexSize, "component count caps at the dimension")
	})

	t.Run("search counters", func(t *testing.T) {
		_, err := s.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 1, 0}, K: 3})
		require.NoError(t, err)
		_, err = s.Search(ctx, knowledge.SearchRequest{Query: []float32{2, 1, 0}, K: 3})
		require.NoError(t, err)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TotalSearches)
		assert.Greater(t, stats.AverageSearchTimeMS, 0.0)
		assert.InDelta(t, 1.0, stats.AverageRecall, 1e-9, "brute-forced searches count as full recall")
		assert.Positive(t, stats.Uptime)
	})
}

func TestStore_ClosedOperations(t *testing.T) {
	ctx := context.Background()

	s, err := Open("", WithDimension(3))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Add(ctx, embedded("a", []float32{1, 0, 0}))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.AddBatch(ctx, []*knowledge.Entry{embedded("a", []float32{1, 0, 0})})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0, 0}})
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, s.MarkForDeletion(ctx, "a"), ErrClosed)

	_, err = s.ClearDeletedFlags(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.DeletedCount(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.ShouldRebuild(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, s.RebuildIndex(ctx), ErrClosed)

	_, err = s.PurgeDeleted(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, s.ExportJSON(ctx, "mem://x.json"), ErrClosed)
	assert.ErrorIs(t, s.ImportJSON(ctx, "mem://x.json"), ErrClosed)
	assert.ErrorIs(t, s.SaveIndex(ctx, "mem://x.snap"), ErrClosed)
	assert.ErrorIs(t, s.LoadIndex(ctx, "mem://x.snap"), ErrClosed)

	assert.NoError(t, s.Close(), "closing twice is fine")
}

func TestStore_SQLitePersistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "kb.db")

	s, err := Open(dbPath, WithDimension(3))
	require.NoError(t, err)

	_, err = s.Add(ctx, embedded("b", []float32{0, 1, 0}))
	require.NoError(t, err)

	a := embedded("a", []float32{1, 0, 0})
	a.Metadata = knowledge.Metadata{"category": knowledge.String("AI"), "stars": knowledge.Int(5)}
	a.Tags = []string{"AI/ML", "AI/ML/NeuralNetworks"}
	a.Relations = []knowledge.Relation{{TargetID: "b", Weight: 1.5, Type: knowledge.RelationDependsOn}}
	_, err = s.Add(ctx, a)
	require.NoError(t, err)

	_, err = s.Add(ctx, &knowledge.Entry{ID: "note", Content: "unembedded"})
	require.NoError(t, err)

	_, err = s.Add(ctx, embedded("gone", []float32{0, 0, 1}))
	require.NoError(t, err)
	require.NoError(t, s.MarkForDeletion(ctx, "gone"))

	orig, err := s.Get(ctx, "a")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.DatabaseSizeBytes)

	require.NoError(t, s.Close())

	reopened, err := Open(dbPath, WithDimension(3))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, orig.Content, got.Content)
	assert.Equal(t, orig.Embedding, got.Embedding)
	assert.Equal(t, orig.Tags, got.Tags)
	assert.True(t, orig.Metadata["category"].Equal(got.Metadata["category"]))
	assert.True(t, orig.Metadata["stars"].Equal(got.Metadata["stars"]))
	require.Len(t, got.Relations, 1)
	assert.Equal(t, "b", got.Relations[0].TargetID)
	assert.InDelta(t, 1.5, got.Relations[0].Weight, 1e-9)
	assert.True(t, got.CreatedAt.Equal(orig.CreatedAt))
	assert.True(t, got.UpdatedAt.Equal(orig.UpdatedAt))

	// The reciprocal edge persisted too.
	b, err := reopened.Get(ctx, "b")
	require.NoError(t, err)
	require.Len(t, b.Relations, 1)
	assert.Equal(t, knowledge.RelationDependedBy, b.Relations[0].Type)

	n, err := reopened.DeletedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = reopened.Get(ctx, "gone")
	require.ErrorIs(t, err, ErrNotFound)

	results, err := reopened.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0, 0}, K: 1, UseExact: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Entry.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-3)
}

func TestStore_Encryption(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "secret.db")

	s, err := Open(dbPath, WithDimension(3), WithEncryptionPassword("hunter2"))
	require.NoError(t, err)

	_, err = s.Add(ctx, embedded("classified", []float32{1, 0, 0}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	t.Run("same password reopens", func(t *testing.T) {
		reopened, err := Open(dbPath, WithDimension(3), WithEncryptionPassword("hunter2"))
		require.NoError(t, err)
		defer reopened.Close()

		got, err := reopened.Get(ctx, "classified")
		require.NoError(t, err)
		assert.Equal(t, "content of classified", got.Content)
	})

	t.Run("missing password fails", func(t *testing.T) {
		_, err := Open(dbPath, WithDimension(3))
		require.Error(t, err)
	})

	t.Run("wrong password fails", func(t *testing.T) {
		_, err := Open(dbPath, WithDimension(3), WithEncryptionPassword("letmein"))
		require.Error(t, err)
	})
}

func TestStore_AddBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("adds all entries", func(t *testing.T) {
		s := newTestStore(t)

		ids, err := s.AddBatch(ctx, []*knowledge.Entry{
			embedded("a", []float32{1, 0, 0}),
			embedded("b", []float32{0, 1, 0}),
			embedded("c", []float32{0, 0, 1}),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		s := newTestStore(t)

		ids, err := s.AddBatch(ctx, []*knowledge.Entry{
			embedded("a", []float32{1, 0, 0}),
			nil,
			embedded("c", []float32{0, 0, 1}),
		})
		require.ErrorIs(t, err, ErrInvalidArgument)
		assert.Equal(t, []string{"a"}, ids)

		_, err = s.Get(ctx, "a")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "c")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_MetricsCollector(t *testing.T) {
	ctx := context.Background()
	collector := &BasicMetricsCollector{}
	s := newTestStore(t, WithMetricsCollector(collector))

	_, err := s.Add(ctx, embedded("a", []float32{1, 0, 0}))
	require.NoError(t, err)

	_, err = s.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0, 0}, K: 1})
	require.NoError(t, err)

	_, err = s.Search(ctx, knowledge.SearchRequest{Query: []float32{1, 0}, K: 1})
	require.Error(t, err)

	require.NoError(t, s.MarkForDeletion(ctx, "a"))
	require.NoError(t, s.RebuildIndex(ctx))

	stats := collector.GetStats()
	assert.Equal(t, int64(1), stats.AddCount)
	assert.Zero(t, stats.AddErrors)
	assert.Equal(t, int64(2), stats.SearchCount)
	assert.Equal(t, int64(1), stats.SearchErrors)
	assert.Equal(t, int64(1), stats.DeleteCount)
	assert.Equal(t, int64(1), stats.RebuildCount)
}

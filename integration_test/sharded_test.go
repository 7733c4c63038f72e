package integration_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vectorlite "github.com/cssvb94/VectorLiteDB"
	"github.com/cssvb94/VectorLiteDB/knowledge"
	"github.com/cssvb94/VectorLiteDB/testutil"
)

func TestShardedLifecycle(t *testing.T) {
	ctx := context.Background()
	basePath := filepath.Join(t.TempDir(), "kb")

	// 1. Open a 2-shard router backed by kb_0.db and kb_1.db.
	router, err := vectorlite.OpenSharded(2, basePath, vectorlite.WithDimension(3))
	require.NoError(t, err)

	// 2. Spread entries across the shards.
	rng := testutil.NewRNG(42)
	vectors := rng.UnitVectors(12, 3)
	for i, vec := range vectors {
		_, err := router.Add(ctx, &knowledge.Entry{
			ID:        fmt.Sprintf("entry-%02d", i),
			Content:   fmt.Sprintf("entry number %d", i),
			Embedding: vec,
		})
		require.NoError(t, err)
	}

	stats, err := router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.ActiveConnections)

	// 3. Fan-out search merges shard results by similarity.
	query := rng.UnitVector(3)
	res, err := router.Search(ctx, knowledge.SearchRequest{Query: query, K: 5})
	require.NoError(t, err)
	require.Len(t, res, 5)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Similarity, res[i].Similarity)
	}

	// 4. Deletes route to the owning shard.
	require.NoError(t, router.MarkForDeletion(ctx, "entry-03"))

	_, err = router.Get(ctx, "entry-03")
	require.ErrorIs(t, err, vectorlite.ErrNotFound)

	// 5. Close and reopen the router over the same shard files.
	require.NoError(t, router.Close())

	router, err = vectorlite.OpenSharded(2, basePath, vectorlite.WithDimension(3))
	require.NoError(t, err)
	defer router.Close()

	stats, err = router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), stats.TotalEntries)

	n, err := router.DeletedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 6. Every surviving entry is still reachable through the router.
	for i := range 12 {
		id := fmt.Sprintf("entry-%02d", i)
		_, err := router.Get(ctx, id)
		if i == 3 {
			require.ErrorIs(t, err, vectorlite.ErrNotFound)
			continue
		}
		require.NoError(t, err, id)
	}

	// 7. Rebuild across all shards converges the deleted counter.
	require.NoError(t, router.RebuildIndex(ctx))

	n, err = router.DeletedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

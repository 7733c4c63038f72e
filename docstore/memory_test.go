package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cssvb94/VectorLiteDB/knowledge"
)

func sampleEntry(id string) *knowledge.Entry {
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return &knowledge.Entry{
		ID:        id,
		Content:   "content of " + id,
		Embedding: []float32{0.1, 0.2, 0.3},
		Metadata: knowledge.Metadata{
			"category": knowledge.String("testing"),
			"priority": knowledge.Int(3),
		},
		Tags: []string{"AI/ML", "AI/ML/Testing"},
		Relations: []knowledge.Relation{
			{TargetID: "other", Weight: 1.5, Type: knowledge.RelationDependsOn, CreatedAt: created},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	in := sampleEntry("a")
	require.NoError(t, s.Put(ctx, in))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, s.Delete(ctx, "a"))

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Close())
}

func TestMemoryIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	in := sampleEntry("a")
	require.NoError(t, s.Put(ctx, in))

	// Mutating what was passed in or handed out must not reach the store.
	in.Content = "mutated"
	in.Tags[0] = "mutated"

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "content of a", got.Content)
	assert.Equal(t, "AI/ML", got.Tags[0])

	got.Embedding[0] = 99
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, again.Embedding[0], 1e-6)
}

func TestMemoryAllOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, sampleEntry(id)))
	}

	// Replacing keeps the original position.
	updated := sampleEntry("b")
	updated.Content = "updated b"
	require.NoError(t, s.Put(ctx, updated))

	assert.Equal(t, []string{"a", "b", "c"}, allIDs(t, ctx, s))

	// Re-inserting after a delete moves the entry to the end.
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Put(ctx, sampleEntry("a")))

	assert.Equal(t, []string{"b", "c", "a"}, allIDs(t, ctx, s))
}

func TestMemoryAllEarlyStop(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, sampleEntry(id)))
	}

	var seen int
	for _, err := range s.All(ctx) {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestMemoryAllCancelled(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Put(context.Background(), sampleEntry("a")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawErr error
	for _, err := range s.All(ctx) {
		if err != nil {
			sawErr = err
			break
		}
	}
	assert.ErrorIs(t, sawErr, context.Canceled)
}

func allIDs(t *testing.T, ctx context.Context, s Store) []string {
	t.Helper()
	var ids []string
	for e, err := range s.All(ctx) {
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	return ids
}

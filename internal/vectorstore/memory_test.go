package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *MemoryStore) {
	t.Helper()
	require.NoError(t, s.Add(context.Background(), []Record{
		{ID: "a:0", Vector: []float32{1, 0}, Document: "east", Metadata: map[string]interface{}{"fingerprint": "a", "chunk_index": 0}},
		{ID: "a:1", Vector: []float32{0, 1}, Document: "north", Metadata: map[string]interface{}{"fingerprint": "a", "chunk_index": 1}},
		{ID: "b:0", Vector: []float32{0.7, 0.7}, Document: "north-east", Metadata: map[string]interface{}{"fingerprint": "b"}},
	}))
}

func TestMemoryStore_QueryOrdersByDistance(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)

	got, err := s.Query(context.Background(), []float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "east", got[0].Document)
	assert.Equal(t, "north-east", got[1].Document)
	assert.Less(t, got[0].Distance, got[1].Distance)
	assert.Equal(t, "a", got[0].Metadata["fingerprint"])
}

func TestMemoryStore_EmptyCollection(t *testing.T) {
	got, err := NewMemoryStore().Query(context.Background(), []float32{1, 0}, 4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_DeleteAndCountByWhere(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	n, err := s.Count(ctx, Where{"fingerprint": "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, Where{"fingerprint": "a"}))

	n, err = s.Count(ctx, Where{"fingerprint": "a"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b:0", got[0].ID)
}

func TestMemoryStore_AddRejectsMissingID(t *testing.T) {
	assert.Error(t, NewMemoryStore().Add(context.Background(), []Record{{Document: "x"}}))
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, cosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 3}), 1e-9)
	assert.InDelta(t, 2, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 1.0, cosineDistance([]float32{1}, []float32{1, 2}))
}

func TestMemoryStore_GetByWhereReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	got, err := s.Get(ctx, Where{"fingerprint": "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a:0", got[0].ID)
	assert.Equal(t, []float32{0, 1}, got[1].Vector)
	assert.Equal(t, 1, got[1].Metadata["chunk_index"])

	got[0].Vector[0] = 9
	got[0].Metadata["fingerprint"] = "z"
	again, err := s.Get(ctx, Where{"fingerprint": "a"})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, []float32{1, 0}, again[0].Vector)

	all, err := s.Get(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

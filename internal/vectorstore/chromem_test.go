package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testVectorSize = 8

// testEmbedding produces a deterministic unit vector from text, so
// similarity ordering is stable across runs without a real embedder.
func testEmbedding(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, testVectorSize)
	var norm float64
	for i := range vec {
		bits := binary.BigEndian.Uint32(sum[i*4 : i*4+4])
		vec[i] = float32(bits%1000)/1000.0 + 0.001
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()

	store, err := NewChromemStore(ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: testVectorSize,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testChunks(docID, generation string, n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		text := fmt.Sprintf("%s chunk body %d", docID, i)
		chunks[i] = Chunk{
			ID:         fmt.Sprintf("%s:%s:%d", docID, generation, i),
			DocumentID: docID,
			Ordinal:    i,
			Text:       text,
			Embedding:  testEmbedding(text),
			Metadata: map[string]string{
				MetaGeneration:     generation,
				MetaEmbeddingModel: "test-hash",
			},
		}
	}
	return chunks
}

func TestChromemStore_AddAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks("doc1", "1", 3)
	require.NoError(t, store.AddChunks(ctx, "session_a", chunks))

	count, err := store.Count(ctx, "session_a")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Querying with an exact chunk embedding must rank that chunk first.
	results, err := store.Query(ctx, "session_a", chunks[1].Embedding, 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, chunks[1].ID, results[0].ChunkID)
	assert.Equal(t, "doc1", results[0].DocumentID)
	assert.Equal(t, 1, results[0].Ordinal)
	assert.Equal(t, chunks[1].Text, results[0].Text)
	assert.Equal(t, "1", results[0].Metadata[MetaGeneration])

	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestChromemStore_QueryMissingCollection(t *testing.T) {
	store := newTestStore(t)

	results, err := store.Query(context.Background(), "no_such", testEmbedding("q"), 3, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_QueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddChunks(ctx, "shared", testChunks("doc1", "1", 2)))
	require.NoError(t, store.AddChunks(ctx, "shared", testChunks("doc2", "1", 2)))

	results, err := store.Query(ctx, "shared", testEmbedding("anything"), 4, map[string]string{
		MetaDocumentID: "doc2",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "doc2", r.DocumentID)
	}
}

func TestChromemStore_GenerationSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddChunks(ctx, "session_b", testChunks("doc1", "1", 3)))
	require.NoError(t, store.AddChunks(ctx, "session_b", testChunks("doc1", "2", 2)))

	count, err := store.Count(ctx, "session_b")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Drop the superseded generation.
	require.NoError(t, store.DeleteWhere(ctx, "session_b", map[string]string{
		MetaDocumentID: "doc1",
		MetaGeneration: "1",
	}))

	count, err = store.Count(ctx, "session_b")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := store.Query(ctx, "session_b", testEmbedding("doc1 chunk body 0"), 5, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "2", r.Metadata[MetaGeneration])
	}
}

func TestChromemStore_DeleteWhereRequiresFilters(t *testing.T) {
	store := newTestStore(t)

	err := store.DeleteWhere(context.Background(), "session_a", nil)
	assert.Error(t, err)
}

func TestChromemStore_AddChunks_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.AddChunks(ctx, "session_a", nil), ErrEmptyChunks)

	err := store.AddChunks(ctx, "session_a", []Chunk{{ID: "x", Text: "no vector"}})
	assert.Error(t, err)

	err = store.AddChunks(ctx, "session_a", []Chunk{{
		ID:        "x",
		Text:      "wrong dim",
		Embedding: []float32{1, 2},
	}})
	assert.Error(t, err)

	err = store.AddChunks(ctx, "Bad Name", testChunks("doc1", "1", 1))
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestChromemStore_DeleteCollection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddChunks(ctx, "session_c", testChunks("doc1", "1", 2)))
	require.NoError(t, store.DeleteCollection(ctx, "session_c"))

	count, err := store.Count(ctx, "session_c")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: "session_abc_123"},
		{name: "empty", input: "", wantErr: true},
		{name: "uppercase", input: "Session", wantErr: true},
		{name: "hyphen", input: "session-1", wantErr: true},
		{name: "path traversal", input: "../etc", wantErr: true},
		{name: "too long", input: strings.Repeat("a", 65), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCollectionName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.True(t, IsTransientError(status.Error(grpccodes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(grpccodes.DeadlineExceeded, "slow")))
	assert.False(t, IsTransientError(status.Error(grpccodes.InvalidArgument, "bad")))
	assert.False(t, IsTransientError(status.Error(grpccodes.NotFound, "missing")))
}

package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbedServer(t *testing.T, dimension int) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Inputs   interface{} `json:"inputs"`
			Truncate bool        `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var count int
		switch inputs := req.Inputs.(type) {
		case string:
			count = 1
		case []interface{}:
			count = len(inputs)
		}

		vectors := make([][]float32, count)
		for i := range vectors {
			vectors[i] = make([]float32, dimension)
			vectors[i][0] = float32(i + 1)
		}
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestService_EmbedDocuments(t *testing.T) {
	server := newEmbedServer(t, 4)

	svc, err := NewService(Config{BaseURL: server.URL, Model: "bge-small-en-v1.5"})
	require.NoError(t, err)

	vectors, err := svc.EmbedDocuments(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Len(t, vectors[0], 4)
	assert.Equal(t, float32(2), vectors[1][0])
}

func TestService_EmbedQuery(t *testing.T) {
	server := newEmbedServer(t, 4)

	svc, err := NewService(Config{BaseURL: server.URL, Model: "bge-small-en-v1.5"})
	require.NoError(t, err)

	vec, err := svc.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestService_EmptyInput(t *testing.T) {
	svc, err := NewService(Config{BaseURL: "http://localhost:1"})
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	svc, err := NewService(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestService_VectorCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode([][]float32{{1, 2}}))
	}))
	t.Cleanup(server.Close)

	svc, err := NewService(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "hash"})
	require.NoError(t, err)
	assert.Equal(t, "hash-v1", p.ModelID())

	_, err = NewProvider(ProviderConfig{Provider: "onnx"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(16)

	a, err := p.EmbedQuery(context.Background(), "same text")
	require.NoError(t, err)
	b, err := p.EmbedQuery(context.Background(), "same text")
	require.NoError(t, err)
	c, err := p.EmbedQuery(context.Background(), "other text")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)

	// Unit norm within float tolerance.
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashProvider_DefaultDimension(t *testing.T) {
	p := NewHashProvider(0)
	assert.Equal(t, 384, p.Dimension())

	vecs, err := p.EmbedDocuments(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs[0], 384)
}

package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sylvanlabs/assistd/internal/embeddings"
	"github.com/sylvanlabs/assistd/internal/vectorstore"
)

const ingestTestDim = 16

func newTestService(t *testing.T) (*Service, vectorstore.Store) {
	t.Helper()

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: ingestTestDim,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(store, embeddings.NewHashProvider(ingestTestDim), Config{
		ChunkSize:    50,
		ChunkOverlap: 10,
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	return svc, store
}

func textRequest(docID, body string) Request {
	return Request{
		Collection: "session_test",
		DocumentID: docID,
		Filename:   docID + ".txt",
		MimeType:   "text/plain",
		Data:       []byte(body),
	}
}

func TestService_Ingest(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	body := strings.Repeat("retrieval pipelines need test corpora ", 10)
	doc, err := svc.Ingest(ctx, textRequest("doc1", body))
	require.NoError(t, err)

	assert.Equal(t, StatusIndexed, doc.Status)
	assert.Greater(t, doc.ChunkCount, 1)
	assert.False(t, doc.IngestedAt.IsZero())

	count, err := store.Count(ctx, "session_test")
	require.NoError(t, err)
	assert.Equal(t, doc.ChunkCount, count)

	got, err := svc.Get("session_test", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatusIndexed, got.Status)
}

func TestService_ReingestReplaces(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	body := strings.Repeat("first version of the document ", 10)
	first, err := svc.Ingest(ctx, textRequest("doc1", body))
	require.NoError(t, err)

	// Same content: same chunk count, no stale leftovers.
	second, err := svc.Ingest(ctx, textRequest("doc1", body))
	require.NoError(t, err)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)

	count, err := store.Count(ctx, "session_test")
	require.NoError(t, err)
	assert.Equal(t, second.ChunkCount, count)

	// Different content replaces entirely.
	third, err := svc.Ingest(ctx, textRequest("doc1", "tiny replacement"))
	require.NoError(t, err)
	assert.Equal(t, 1, third.ChunkCount)

	count, err = store.Count(ctx, "session_test")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_UnsupportedFormat(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	doc, err := svc.Ingest(ctx, Request{
		Collection: "session_test",
		DocumentID: "doc1",
		Filename:   "doc1.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("%PDF-1.4"),
	})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, StatusFailed, doc.Status)

	count, err := store.Count(ctx, "session_test")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestService_WhitespaceOnlyDocumentIsEmpty(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	doc, err := svc.Ingest(ctx, textRequest("doc1", "  \n\t \n"))
	assert.ErrorIs(t, err, ErrEmptyDocument)
	assert.Equal(t, StatusFailed, doc.Status)

	count, err := store.Count(ctx, "session_test")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// failingEmbedder errors on every call.
type failingEmbedder struct{}

func (failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("model offline")
}
func (failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, errors.New("model offline")
}
func (failingEmbedder) ModelID() string { return "broken" }
func (failingEmbedder) Dimension() int { return ingestTestDim }
func (failingEmbedder) Close() error { return nil }

func TestService_EmbeddingFailureIsAllOrNothing(t *testing.T) {
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: ingestTestDim,
	}, zap.NewNop())
	require.NoError(t, err)

	svc, err := NewService(store, failingEmbedder{}, Config{}, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	doc, err := svc.Ingest(ctx, textRequest("doc1", "some content"))
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
	assert.Equal(t, StatusFailed, doc.Status)
	assert.NotEmpty(t, doc.Error)

	count, err := store.Count(ctx, "session_test")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestService_FailedReingestHidesDocument(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, textRequest("doc1", "good content"))
	require.NoError(t, err)
	assert.True(t, svc.IsVisible("session_test", "doc1", "1"))

	// Re-ingest with an unsupported payload fails; the document must stop
	// contributing chunks even though the old generation is still stored.
	_, err = svc.Ingest(ctx, Request{
		Collection: "session_test",
		DocumentID: "doc1",
		MimeType:   "application/pdf",
		Data:       []byte("%PDF"),
	})
	require.Error(t, err)

	assert.False(t, svc.IsVisible("session_test", "doc1", "1"))
	assert.False(t, svc.IsVisible("session_test", "doc1", "2"))
}

func TestService_IsVisible(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Unknown documents are visible (persisted from a previous run).
	assert.True(t, svc.IsVisible("session_test", "ghost", "7"))

	_, err := svc.Ingest(ctx, textRequest("doc1", "version one"))
	require.NoError(t, err)
	assert.True(t, svc.IsVisible("session_test", "doc1", "1"))

	_, err = svc.Ingest(ctx, textRequest("doc1", "version two"))
	require.NoError(t, err)
	assert.False(t, svc.IsVisible("session_test", "doc1", "1"))
	assert.True(t, svc.IsVisible("session_test", "doc1", "2"))
}

func TestService_Delete(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, textRequest("doc1", "to be removed"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "session_test", "doc1"))

	count, err := store.Count(ctx, "session_test")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = svc.Get("session_test", "doc1")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestService_TooLarge(t *testing.T) {
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: ingestTestDim,
	}, zap.NewNop())
	require.NoError(t, err)

	svc, err := NewService(store, embeddings.NewHashProvider(ingestTestDim), Config{
		MaxDocumentBytes: 8,
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), textRequest("doc1", "definitely more than eight bytes"))
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
}

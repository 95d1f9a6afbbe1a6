// Package retrieval answers queries with the most relevant stored chunks.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sylvanlabs/assistd/internal/embeddings"
	"github.com/sylvanlabs/assistd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("assistd.retrieval")

// ErrIncompatibleEmbedding indicates stored vectors were produced by a
// different embedding model than the query embedder. Mixing spaces would
// silently corrupt ranking, so the query is rejected; the fix is to
// re-ingest with the current model.
var ErrIncompatibleEmbedding = errors.New("stored vectors use an incompatible embedding model, re-ingest documents")

// SharedCollection is the scope name for the cross-session corpus.
const SharedCollection = "shared_corpus"

// Scope restricts a retrieval to a slice of the store.
type Scope struct {
	// SessionID selects that session's private collection. Empty means the
	// shared corpus.
	SessionID string
}

// Collection maps the scope to a store collection name. Session IDs are
// UUIDs; hyphens become underscores to satisfy collection naming rules.
func (s Scope) Collection() string {
	if s.SessionID == "" {
		return SharedCollection
	}
	return "session_" + strings.ReplaceAll(strings.ToLower(s.SessionID), "-", "_")
}

// Result is one retrieved chunk with its similarity score.
type Result struct {
	ChunkID    string
	DocumentID string
	Ordinal    int
	Text       string
	Score      float32
}

// Visibility reports whether a chunk generation is currently visible.
// The ingest registry implements this; a nil Visibility hides nothing.
type Visibility interface {
	IsVisible(collection, documentID, generation string) bool
}

// Config holds retriever configuration.
type Config struct {
	// TopK is the default result count. Default: 3
	TopK int
	// Rerank enables term-overlap reranking on top of vector similarity.
	Rerank bool
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 3
	}
}

// Retriever embeds queries and searches the store within a scope.
type Retriever struct {
	store      vectorstore.Store
	embedder   embeddings.Provider
	visibility Visibility
	reranker   *Reranker
	config     Config
	logger     *zap.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(store vectorstore.Store, embedder embeddings.Provider, visibility Visibility, config Config, logger *zap.Logger) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	r := &Retriever{
		store:      store,
		embedder:   embedder,
		visibility: visibility,
		config:     config,
		logger:     logger,
	}
	if config.Rerank {
		r.reranker = NewReranker()
	}
	return r, nil
}

// Retrieve returns up to k chunks most similar to the query, restricted to
// the scope. Zero indexed chunks is an empty result, not an error. Scores
// are non-increasing by position.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, scope Scope) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	if k <= 0 {
		k = r.config.TopK
	}
	collection := scope.Collection()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", embeddings.ErrEmbeddingFailed, err)
	}

	// Over-fetch to leave room for generation filtering and reranking
	// before the cut to k.
	fetchK := k * 4
	if fetchK < 10 {
		fetchK = 10
	}
	hits, err := r.store.Query(ctx, collection, vector, fetchK, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying store: %w", err)
	}

	queryModel := r.embedder.ModelID()
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		if model, ok := hit.Metadata[vectorstore.MetaEmbeddingModel]; ok && model != queryModel {
			span.SetStatus(codes.Error, "incompatible embedding space")
			return nil, fmt.Errorf("%w: stored %q, query %q", ErrIncompatibleEmbedding, model, queryModel)
		}
		if r.visibility != nil {
			gen := hit.Metadata[vectorstore.MetaGeneration]
			if !r.visibility.IsVisible(collection, hit.DocumentID, gen) {
				continue
			}
		}
		results = append(results, Result{
			ChunkID:    hit.ChunkID,
			DocumentID: hit.DocumentID,
			Ordinal:    hit.Ordinal,
			Text:       hit.Text,
			Score:      hit.Score,
		})
	}

	if r.reranker != nil {
		results = r.reranker.Rerank(query, results)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")

	r.logger.Debug("retrieved chunks",
		zap.String("collection", collection),
		zap.Int("k", k),
		zap.Int("results", len(results)),
	)

	return results, nil
}

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("assistd.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded database.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/assistd/vectorstore"
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Must match the embedder's output dimension.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/assistd/vectorstore"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies. It keeps collections in memory and persists them to gob
// files, so no external database service is required.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	// collections tracks which collections have been created
	collections sync.Map
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandChromemPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}

	if err := os.MkdirAll(expandedPath, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	store := &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return store, nil
}

// expandChromemPath expands ~ to home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// rejectEmbeddingFunc is passed to chromem wherever it demands an embedding
// function. All chunks arrive pre-embedded and all queries carry a vector,
// so this must never be invoked.
//
// IMPORTANT: passing nil instead would make chromem-go fall back to its
// default OpenAI embedder for persisted collections.
func rejectEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("store only accepts pre-computed embeddings")
}

// getOrCreateCollection gets or creates a collection.
func (s *ChromemStore) getOrCreateCollection(name string) (*chromem.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	collection, err := s.db.GetOrCreateCollection(name, nil, rejectEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}

	s.collections.Store(name, true)
	return collection, nil
}

// AddChunks stores pre-embedded chunks, creating the collection if needed.
func (s *ChromemStore) AddChunks(ctx context.Context, collectionName string, chunks []Chunk) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.AddChunks")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int("chunk_count", len(chunks)),
	)

	if len(chunks) == 0 {
		return ErrEmptyChunks
	}

	for i, chunk := range chunks {
		if chunk.ID == "" {
			return fmt.Errorf("chunk at index %d has no ID", i)
		}
		if len(chunk.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", chunk.ID)
		}
		if len(chunk.Embedding) != s.config.VectorSize {
			return fmt.Errorf("chunk %s embedding dimension %d does not match configured size %d",
				chunk.ID, len(chunk.Embedding), s.config.VectorSize)
		}
	}

	collection, err := s.getOrCreateCollection(collectionName)
	if err != nil {
		span.RecordError(err)
		return err
	}

	chromemDocs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		chromemDocs[i] = chromem.Document{
			ID:        chunk.ID,
			Content:   chunk.Text,
			Metadata:  chunkMetadata(chunk),
			Embedding: chunk.Embedding,
		}
	}

	// Concurrency of 1 since embeddings are already computed.
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding chunks: %w", err)
	}

	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("added chunks to chromem",
		zap.String("collection", collectionName),
		zap.Int("count", len(chunks)),
	)

	return nil
}

// Query performs similarity search with a query vector.
func (s *ChromemStore) Query(ctx context.Context, collectionName string, vector []float32, k int, filters map[string]string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int("k", k),
	)

	if err := ValidateCollectionName(collectionName); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}

	collection := s.db.GetCollection(collectionName, rejectEmbeddingFunc)
	if collection == nil {
		span.SetStatus(codes.Ok, "collection absent")
		return []SearchResult{}, nil
	}

	// Cap k at collection size (chromem requires nResults <= doc count).
	docCount := collection.Count()
	if docCount == 0 {
		return []SearchResult{}, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := collection.QueryEmbedding(ctx, vector, k, filters, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collectionName, err)
	}

	searchResults := make([]SearchResult, len(results))
	for i, r := range results {
		searchResults[i] = resultFromChromem(r)
	}

	span.SetAttributes(attribute.Int("results_count", len(searchResults)))
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("queried chromem collection",
		zap.String("collection", collectionName),
		zap.Int("k", k),
		zap.Int("results", len(searchResults)),
	)

	return searchResults, nil
}

// DeleteWhere removes all chunks whose metadata matches every filter.
func (s *ChromemStore) DeleteWhere(ctx context.Context, collectionName string, filters map[string]string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteWhere")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collectionName))

	if err := ValidateCollectionName(collectionName); err != nil {
		return err
	}
	if len(filters) == 0 {
		return fmt.Errorf("refusing to delete without filters")
	}

	collection := s.db.GetCollection(collectionName, rejectEmbeddingFunc)
	if collection == nil {
		span.SetStatus(codes.Ok, "collection absent")
		return nil
	}

	if err := collection.Delete(ctx, filters, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from collection %s: %w", collectionName, err)
	}

	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("deleted chunks from chromem",
		zap.String("collection", collectionName),
		zap.Any("filters", filters),
	)

	return nil
}

// Count returns the number of chunks in a collection, zero if absent.
func (s *ChromemStore) Count(ctx context.Context, collectionName string) (int, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Count")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collectionName))

	if err := ValidateCollectionName(collectionName); err != nil {
		return 0, err
	}

	collection := s.db.GetCollection(collectionName, rejectEmbeddingFunc)
	if collection == nil {
		span.SetStatus(codes.Ok, "collection absent")
		return 0, nil
	}

	count := collection.Count()
	span.SetAttributes(attribute.Int("count", count))
	span.SetStatus(codes.Ok, "success")
	return count, nil
}

// DeleteCollection removes a collection and all its chunks.
func (s *ChromemStore) DeleteCollection(ctx context.Context, collectionName string) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.DeleteCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collectionName))

	if err := ValidateCollectionName(collectionName); err != nil {
		return err
	}

	if err := s.db.DeleteCollection(collectionName); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", collectionName, err)
	}

	s.collections.Delete(collectionName)
	span.SetStatus(codes.Ok, "success")

	s.logger.Info("deleted chromem collection",
		zap.String("collection", collectionName),
	)

	return nil
}

// Close closes the ChromemStore.
// chromem-go persists on write, no explicit close needed.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

// chunkMetadata builds the stored metadata map for a chunk, folding in the
// structural fields so they survive round trips and filtering.
func chunkMetadata(chunk Chunk) map[string]string {
	meta := make(map[string]string, len(chunk.Metadata)+2)
	for k, v := range chunk.Metadata {
		meta[k] = v
	}
	meta[MetaDocumentID] = chunk.DocumentID
	meta[MetaOrdinal] = strconv.Itoa(chunk.Ordinal)
	return meta
}

// resultFromChromem converts a chromem result, recovering the structural
// fields from metadata.
func resultFromChromem(r chromem.Result) SearchResult {
	ordinal, _ := strconv.Atoi(r.Metadata[MetaOrdinal])
	return SearchResult{
		ChunkID:    r.ID,
		DocumentID: r.Metadata[MetaDocumentID],
		Ordinal:    ordinal,
		Text:       r.Content,
		Score:      r.Similarity,
		Metadata:   r.Metadata,
	}
}

// Ensure ChromemStore implements Store.
var _ Store = (*ChromemStore)(nil)

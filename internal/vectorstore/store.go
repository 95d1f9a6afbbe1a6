// Package vectorstore defines chunk storage with similarity query.
//
// The store persists document chunks with their embedding vectors and serves
// similarity searches over them. Two implementations exist: ChromemStore
// (embedded chromem-go, default) and QdrantStore (external Qdrant over gRPC).
//
// Re-ingestion safety: callers write a new chunk generation, make it visible,
// then delete the prior generation with DeleteWhere. The store itself never
// blocks readers during the swap; visibility is controlled by the ingest
// registry's generation counter carried in chunk metadata.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyChunks indicates an empty or nil chunk batch.
	ErrEmptyChunks = errors.New("empty or nil chunks")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrConnectionFailed indicates the store backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")
)

// Well-known metadata keys stored alongside each chunk vector.
const (
	// MetaDocumentID links a chunk to its owning document.
	MetaDocumentID = "document_id"

	// MetaOrdinal is the chunk's position within its document.
	MetaOrdinal = "ordinal"

	// MetaGeneration is the ingest generation that produced the chunk.
	// Re-ingestion writes a higher generation, then removes the old one.
	MetaGeneration = "generation"

	// MetaEmbeddingModel records which embedding model produced the vector.
	// Queries against vectors from a different model must be rejected.
	MetaEmbeddingModel = "embedding_model"

	// MetaFilename is the source document filename, when known.
	MetaFilename = "filename"
)

// Chunk is a bounded slice of a document's text paired with its embedding.
type Chunk struct {
	// ID uniquely identifies the chunk within its collection.
	ID string

	// DocumentID is the owning document.
	DocumentID string

	// Ordinal is the chunk's position within the document, starting at 0.
	Ordinal int

	// Text is the raw chunk text.
	Text string

	// Embedding is the vector produced by the embedder at ingest time.
	Embedding []float32

	// Metadata holds the well-known Meta* keys plus source metadata.
	Metadata map[string]string
}

// SearchResult is one similarity hit.
type SearchResult struct {
	// ChunkID is the matching chunk's identifier.
	ChunkID string

	// DocumentID is the owning document.
	DocumentID string

	// Ordinal is the chunk's position within the document.
	Ordinal int

	// Text is the chunk text.
	Text string

	// Score is the similarity score, higher is more similar.
	Score float32

	// Metadata is the stored chunk metadata.
	Metadata map[string]string
}

// Store is the interface for chunk storage operations.
//
// Collections are namespaces for scoping: one collection per session
// ("session_<id>") plus a shared corpus collection. Collection names must
// match ^[a-z0-9_]{1,64}$.
type Store interface {
	// AddChunks stores pre-embedded chunks in the collection, creating the
	// collection if needed. Chunks are written with their metadata; the
	// store does not re-embed.
	AddChunks(ctx context.Context, collection string, chunks []Chunk) error

	// Query performs similarity search with the given query vector,
	// returning up to k results ordered by score (highest first).
	// Filters restrict results to chunks whose metadata matches all
	// given key/value pairs. A missing collection yields an empty result.
	Query(ctx context.Context, collection string, vector []float32, k int, filters map[string]string) ([]SearchResult, error)

	// DeleteWhere removes all chunks whose metadata matches every filter.
	// Used to drop a superseded chunk generation after a re-ingest swap.
	DeleteWhere(ctx context.Context, collection string, filters map[string]string) error

	// Count returns the number of chunks in a collection; zero if the
	// collection does not exist.
	Count(ctx context.Context, collection string) (int, error)

	// DeleteCollection removes a collection and all its chunks.
	DeleteCollection(ctx context.Context, collection string) error

	// Close releases store resources.
	Close() error
}

// collectionNamePattern validates collection names: lowercase letters,
// digits, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against naming rules.
// Rejects uppercase, special characters, path traversal, and spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

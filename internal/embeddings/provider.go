// Package embeddings provides embedding generation via multiple providers.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates embedding vectors for documents and queries.
//
// Vectors from different models are not comparable; ModelID identifies the
// embedding space so stored vectors can be checked against the query
// embedder before search.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// ModelID identifies the model producing the vectors.
	ModelID() string

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is the provider type: "http" or "hash"
	Provider string
	// Model is the embedding model name
	Model string
	// BaseURL is the embedding server URL (only used for http provider)
	BaseURL string
	// Timeout bounds each embedding request
	Timeout time.Duration
}

// NewProvider creates an embedding provider based on the configuration.
//
// "http" talks to a TEI-compatible embedding server. "hash" is a
// deterministic local fallback useful for tests and offline development.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "http", "":
		return NewService(Config{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case "hash":
		return NewHashProvider(0), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// defaultHashDimension matches the bge-small family so the hash provider can
// stand in for the HTTP service without reconfiguring the store.
const defaultHashDimension = 384

// HashProvider is a deterministic local embedding provider.
//
// It derives a unit vector from a SHA-256 digest of the text. Identical
// texts always map to identical vectors, which is what retrieval tests and
// offline development need; it has no semantic power.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a HashProvider with the given dimension.
// A non-positive dimension selects the default of 384.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = defaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.vector(text)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	return p.vector(text), nil
}

// vector derives a normalized vector from the text digest. The digest is
// re-hashed in counter mode until enough bytes exist for the dimension.
func (p *HashProvider) vector(text string) []float32 {
	vec := make([]float32, p.dimension)
	digest := sha256.Sum256([]byte(text))
	buf := digest[:]

	var norm float64
	for i := range vec {
		if (i*4)+4 > len(buf) {
			next := sha256.Sum256(buf)
			buf = append(buf, next[:]...)
		}
		bits := binary.BigEndian.Uint32(buf[i*4 : i*4+4])
		vec[i] = float32(bits%2000)/1000.0 - 1.0 + 0.0005
		norm += float64(vec[i]) * float64(vec[i])
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// ModelID identifies the hash embedding space.
func (p *HashProvider) ModelID() string {
	return "hash-v1"
}

// Dimension returns the embedding dimension.
func (p *HashProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op.
func (p *HashProvider) Close() error {
	return nil
}

// Ensure HashProvider implements Provider.
var _ Provider = (*HashProvider)(nil)

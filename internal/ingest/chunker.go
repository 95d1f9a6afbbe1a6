package ingest

import "strings"

// Chunker splits text into bounded, overlapping pieces.
//
// Splitting is rune-based and purely positional, so identical input always
// yields identical chunks. Idempotent re-ingestion depends on this.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a Chunker. Size must be positive; overlap must be
// non-negative and smaller than size, otherwise defaults of 1000/200 apply.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 200
		if overlap >= size {
			overlap = size / 5
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the chunk texts for the input. Empty or whitespace-only
// input yields no chunks.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= c.size {
		return []string{text}
	}

	step := c.size - c.overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_Split(t *testing.T) {
	c := NewChunker(10, 3)

	t.Run("empty input yields no chunks", func(t *testing.T) {
		assert.Empty(t, c.Split(""))
	})

	t.Run("whitespace-only input yields no chunks", func(t *testing.T) {
		assert.Empty(t, c.Split("   \n\t  "))
	})

	t.Run("short input is a single chunk", func(t *testing.T) {
		chunks := c.Split("short")
		require.Len(t, chunks, 1)
		assert.Equal(t, "short", chunks[0])
	})

	t.Run("chunks respect size and overlap", func(t *testing.T) {
		text := "abcdefghijklmnopqrstuvwxyz"
		chunks := c.Split(text)
		require.NotEmpty(t, chunks)

		for _, chunk := range chunks {
			assert.LessOrEqual(t, len([]rune(chunk)), 10)
		}

		// Adjacent chunks share the overlap stride.
		assert.Equal(t, "abcdefghij", chunks[0])
		assert.Equal(t, "hijklmnopq", chunks[1])

		// Reassembling without overlap recovers the original text.
		var b strings.Builder
		b.WriteString(chunks[0])
		for _, chunk := range chunks[1:] {
			runes := []rune(chunk)
			if len(runes) > 3 {
				b.WriteString(string(runes[3:]))
			}
		}
		assert.Equal(t, text, b.String())
	})

	t.Run("deterministic", func(t *testing.T) {
		text := strings.Repeat("the quick brown fox ", 50)
		assert.Equal(t, c.Split(text), c.Split(text))
	})

	t.Run("multibyte runes never split", func(t *testing.T) {
		text := strings.Repeat("héllo wörld ", 10)
		for _, chunk := range c.Split(text) {
			assert.True(t, strings.HasPrefix(text, chunk) || strings.Contains(text, chunk))
		}
	})
}

func TestNewChunker_Defaults(t *testing.T) {
	c := NewChunker(0, -1)
	assert.Equal(t, 1000, c.size)
	assert.Equal(t, 200, c.overlap)

	// Overlap must stay below size.
	c = NewChunker(100, 100)
	assert.Less(t, c.overlap, c.size)
}

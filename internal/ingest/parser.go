// Package ingest turns raw documents into embedded chunks in the store.
package ingest

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedFormat indicates a mime type this pipeline cannot parse.
// User-correctable: upload one of the supported text formats.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// textMimeTypes maps supported mime types to a parse strategy.
var textMimeTypes = map[string]func([]byte) (string, error){
	"text/plain":             parsePlain,
	"text/markdown":          parsePlain,
	"text/csv":               parsePlain,
	"text/x-python":          parsePlain,
	"application/javascript": parsePlain,
	"text/javascript":        parsePlain,
	"text/html":              parseHTML,
	"application/xhtml+xml":  parseHTML,
}

// Parse extracts plain text from raw document bytes according to mime type.
// Parameters after ";" (charset etc.) are ignored.
func Parse(data []byte, mimeType string) (string, error) {
	base := mimeType
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		base = parsed
	}
	base = strings.ToLower(strings.TrimSpace(base))

	parser, ok := textMimeTypes[base]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
	}
	return parser(data)
}

// MimeFromFilename guesses a mime type from a filename extension, with
// fallbacks for extensions Go's mime table leaves out.
func MimeFromFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".py":
		return "text/x-python"
	case ".js":
		return "application/javascript"
	case ".txt", ".log":
		return "text/plain"
	case ".csv":
		return "text/csv"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func parsePlain(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8 text", ErrUnsupportedFormat)
	}
	return string(data), nil
}

// parseHTML strips tags and collapses whitespace. Script and style bodies
// are dropped entirely.
func parseHTML(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8 text", ErrUnsupportedFormat)
	}

	var b strings.Builder
	s := string(data)
	inTag := false
	skipUntil := ""

	for i := 0; i < len(s); {
		if skipUntil != "" {
			end := strings.Index(strings.ToLower(s[i:]), skipUntil)
			if end < 0 {
				break
			}
			i += end + len(skipUntil)
			skipUntil = ""
			continue
		}
		c := s[i]
		switch {
		case c == '<':
			lower := strings.ToLower(s[i:])
			if strings.HasPrefix(lower, "<script") {
				skipUntil = "</script>"
			} else if strings.HasPrefix(lower, "<style") {
				skipUntil = "</style>"
			} else {
				inTag = true
			}
			i++
		case c == '>' && inTag:
			inTag = false
			b.WriteByte(' ')
			i++
		case inTag:
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}

	return strings.Join(strings.Fields(b.String()), " "), nil
}

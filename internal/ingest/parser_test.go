package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		mimeType string
		want     string
		wantErr  error
	}{
		{name: "plain text", data: "hello world", mimeType: "text/plain", want: "hello world"},
		{name: "markdown", data: "# Title\nbody", mimeType: "text/markdown", want: "# Title\nbody"},
		{name: "csv", data: "a,b\n1,2", mimeType: "text/csv", want: "a,b\n1,2"},
		{name: "charset parameter", data: "hi", mimeType: "text/plain; charset=utf-8", want: "hi"},
		{name: "python", data: "print(1)", mimeType: "text/x-python", want: "print(1)"},
		{name: "pdf rejected", data: "%PDF-1.4", mimeType: "application/pdf", wantErr: ErrUnsupportedFormat},
		{name: "image rejected", data: "\x89PNG", mimeType: "image/png", wantErr: ErrUnsupportedFormat},
		{name: "docx rejected", data: "PK", mimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", wantErr: ErrUnsupportedFormat},
		{name: "invalid utf8", data: "\xff\xfe", mimeType: "text/plain", wantErr: ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.data), tt.mimeType)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_HTML(t *testing.T) {
	html := `<html><head><style>body{color:red}</style><script>var x=1;</script></head>
<body><h1>Title</h1><p>First   paragraph.</p><p>Second.</p></body></html>`

	got, err := Parse([]byte(html), "text/html")
	require.NoError(t, err)
	assert.Equal(t, "Title First paragraph. Second.", got)
	assert.NotContains(t, got, "var x")
	assert.NotContains(t, got, "color:red")
}

func TestMimeFromFilename(t *testing.T) {
	assert.Equal(t, "text/markdown", MimeFromFilename("notes.md"))
	assert.Equal(t, "text/x-python", MimeFromFilename("script.PY"))
	assert.Equal(t, "text/plain", MimeFromFilename("readme.txt"))
	assert.Equal(t, "text/csv", MimeFromFilename("data.csv"))
	assert.Equal(t, "application/octet-stream", MimeFromFilename("blob.xyz123"))
}

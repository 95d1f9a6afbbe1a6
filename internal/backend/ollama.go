package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("assistd.backend.ollama")

// defaultSystemPrompt asks for markdown output so the client can render
// responses directly.
const defaultSystemPrompt = "You are a helpful assistant. Format your answers in markdown."

// OllamaConfig holds configuration for an Ollama-compatible server.
type OllamaConfig struct {
	// BaseURL is the server base URL. Default: "http://localhost:11434"
	BaseURL string
	// Model is the model name. Default: "llama3.2"
	Model string
	// Timeout bounds connection establishment and header receipt, not the
	// token stream itself. Default: 30s
	Timeout time.Duration
	// CancelGrace bounds how long terminal-marker delivery waits for an
	// abandoned consumer before the stream closes without it. Default: 5s
	CancelGrace time.Duration

	// Sampling options; zero values select the defaults below.
	Temperature float64
	TopP        float64
	TopK        int
}

// ApplyDefaults sets default values for unset fields.
func (c *OllamaConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "llama3.2"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = defaultCancelGrace
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.TopP == 0 {
		c.TopP = 0.9
	}
	if c.TopK == 0 {
		c.TopK = 40
	}
}

// OllamaBackend streams generations from an Ollama server's /api/generate
// endpoint. The response is JSON lines, one object per token batch.
type OllamaBackend struct {
	name   string
	config OllamaConfig
	client *http.Client
	logger *zap.Logger
}

// NewOllamaBackend creates an Ollama-backed Backend. The name distinguishes
// multiple instances (e.g. "remote" and "local") in logs and metrics.
func NewOllamaBackend(name string, config OllamaConfig, logger *zap.Logger) *OllamaBackend {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	// No overall client timeout: the token stream is long-lived and its
	// lifetime belongs to the request context.
	return &OllamaBackend{
		name:   name,
		config: config,
		client: &http.Client{},
		logger: logger,
	}
}

// Name identifies this backend instance.
func (b *OllamaBackend) Name() string {
	return b.name
}

// generateRequest is the /api/generate request body.
type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Images  []string               `json:"images,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// generateResponse is one JSON line of the streamed response.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate starts a streaming generation.
//
// Failures before the first byte of the stream return ErrBackendUnavailable
// so a failover wrapper can substitute another backend. Failures after
// streaming has begun surface as the stream's terminal error marker.
func (b *OllamaBackend) Generate(ctx context.Context, req Request) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "OllamaBackend.Generate")

	span.SetAttributes(
		attribute.String("backend", b.name),
		attribute.String("model", b.config.Model),
	)

	system := req.System
	if system == "" {
		system = defaultSystemPrompt
	}

	body, err := json.Marshal(generateRequest{
		Model:  b.config.Model,
		Prompt: req.Prompt,
		System: system,
		Images: req.Images,
		Stream: true,
		Options: map[string]interface{}{
			"temperature": b.config.Temperature,
			"top_p":       b.config.TopP,
			"top_k":       b.config.TopK,
		},
	})
	if err != nil {
		span.End()
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	genCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(genCtx, http.MethodPost, b.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		span.End()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	connectTimer := time.AfterFunc(b.config.Timeout, cancel)
	resp, err := b.client.Do(httpReq)
	connectTimer.Stop()
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		generationsTotal.WithLabelValues(b.name, "unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		span.End()
		generationsTotal.WithLabelValues(b.name, "unavailable").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	}

	stream := newStream(cancel, b.config.CancelGrace)
	go b.readStream(genCtx, span, resp, stream)
	return stream, nil
}

// readStream forwards JSON-line tokens until done, error, or cancellation.
func (b *OllamaBackend) readStream(ctx context.Context, span oteltrace.Span, resp *http.Response, stream *Stream) {
	defer resp.Body.Close()
	defer span.End()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			err = fmt.Errorf("decoding stream line: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			generationsTotal.WithLabelValues(b.name, "error").Inc()
			stream.finish(err)
			return
		}

		if chunk.Error != "" {
			err := fmt.Errorf("backend error: %s", chunk.Error)
			span.RecordError(err)
			span.SetStatus(codes.Error, chunk.Error)
			generationsTotal.WithLabelValues(b.name, "error").Inc()
			stream.finish(err)
			return
		}

		if chunk.Response != "" {
			if !stream.emit(ctx, Token{Text: chunk.Response}) {
				// Consumer gone or canceled.
				break
			}
		}

		if chunk.Done {
			span.SetStatus(codes.Ok, "success")
			generationsTotal.WithLabelValues(b.name, "success").Inc()
			stream.finish(nil)
			return
		}
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Ok, "canceled")
		generationsTotal.WithLabelValues(b.name, "canceled").Inc()
		stream.finish(nil)
		return
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("stream ended without done marker")
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	generationsTotal.WithLabelValues(b.name, "error").Inc()
	stream.finish(err)
}

// Ensure OllamaBackend implements Backend.
var _ Backend = (*OllamaBackend)(nil)

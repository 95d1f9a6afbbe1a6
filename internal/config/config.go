// Package config provides configuration loading for assistd.
package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration for YAML/env parsing.
//
// Accepts Go duration strings ("30s", "5m") in YAML and environment values.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the root assistd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Search        SearchConfig        `koanf:"search"`
	Backend       BackendConfig       `koanf:"backend"`
	Session       SessionConfig       `koanf:"session"`
	Assembler     AssemblerConfig     `koanf:"assembler"`
	Events        EventsConfig        `koanf:"events"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds logging and telemetry settings.
type ObservabilityConfig struct {
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	LogLevel       string  `koanf:"log_level"`  // debug, info, warn, error
	LogFormat      string  `koanf:"log_format"` // json, console
	OTELEnabled    bool    `koanf:"otel_enabled"`
	OTELEndpoint   string  `koanf:"otel_endpoint"`
	OTELInsecure   bool    `koanf:"otel_insecure"`
	TraceSampling  float64 `koanf:"trace_sampling"`
}

// VectorStoreConfig selects and configures the chunk store backend.
type VectorStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant" (external gRPC).
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds settings for the embedded chromem-go store.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	VectorSize int    `koanf:"vector_size"`
}

// QdrantConfig holds settings for the Qdrant gRPC store.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	VectorSize int    `koanf:"vector_size"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	// Provider is "http" (TEI-compatible service) or "hash"
	// (deterministic local embedder, no network dependency).
	Provider string   `koanf:"provider"`
	BaseURL  string   `koanf:"base_url"`
	Model    string   `koanf:"model"`
	Timeout  Duration `koanf:"timeout"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	ChunkSize        int    `koanf:"chunk_size"`
	ChunkOverlap     int    `koanf:"chunk_overlap"`
	MaxDocumentBytes int64  `koanf:"max_document_bytes"`
	WatchEnabled     bool   `koanf:"watch_enabled"`
	WatchDir         string `koanf:"watch_dir"`
}

// RetrievalConfig holds retriever settings.
type RetrievalConfig struct {
	TopK   int  `koanf:"top_k"`
	Rerank bool `koanf:"rerank"`
}

// SearchConfig holds web search adapter settings.
type SearchConfig struct {
	Enabled       bool     `koanf:"enabled"`
	BaseURL       string   `koanf:"base_url"`
	APIKey        string   `koanf:"api_key"`
	EngineID      string   `koanf:"engine_id"`
	MaxResults    int      `koanf:"max_results"`
	Timeout       Duration `koanf:"timeout"`
	RatePerMinute int      `koanf:"rate_per_minute"`
}

// BackendEndpoint configures one model backend.
type BackendEndpoint struct {
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`
	Timeout Duration `koanf:"timeout"`
}

// BackendConfig holds model backend settings.
type BackendConfig struct {
	Remote          BackendEndpoint `koanf:"remote"`
	Local           BackendEndpoint `koanf:"local"`
	FallbackToLocal bool            `koanf:"fallback_to_local"`
	CancelGrace     Duration        `koanf:"cancel_grace"`
}

// SessionConfig holds session manager settings.
type SessionConfig struct {
	HistoryTurns int      `koanf:"history_turns"`
	IdleTimeout  Duration `koanf:"idle_timeout"`
}

// AssemblerConfig holds context assembler settings.
type AssemblerConfig struct {
	// Budget is the context ceiling in characters.
	Budget int `koanf:"budget"`
	// RelevanceFirst reverses the default recency-over-relevance policy,
	// letting high-scoring retrieved fragments evict old history. The zero
	// value keeps recent history ahead of retrieved context.
	RelevanceFirst bool `koanf:"relevance_first"`
}

// EventsConfig holds optional NATS event publishing settings.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider)
	}
	switch c.Embeddings.Provider {
	case "http", "hash":
	default:
		return fmt.Errorf("embeddings.provider must be http or hash, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "http" && c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings.base_url required for http provider")
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be in [0, chunk_size), got %d", c.Ingest.ChunkOverlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Assembler.Budget <= 0 {
		return fmt.Errorf("assembler.budget must be positive, got %d", c.Assembler.Budget)
	}
	if c.Search.Enabled {
		if c.Search.BaseURL == "" {
			return fmt.Errorf("search.base_url required when search enabled")
		}
		if c.Search.Timeout.Duration() <= 0 {
			return fmt.Errorf("search.timeout must be positive when search enabled")
		}
	}
	if c.Backend.Local.BaseURL == "" {
		return fmt.Errorf("backend.local.base_url required")
	}
	if c.Observability.TraceSampling < 0 || c.Observability.TraceSampling > 1 {
		return fmt.Errorf("observability.trace_sampling must be in [0,1], got %f", c.Observability.TraceSampling)
	}
	return nil
}

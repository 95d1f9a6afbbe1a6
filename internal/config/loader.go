package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, EMBEDDINGS_BASE_URL, ...)
//  2. YAML config file (~/.config/assistd/config.yaml by default)
//  3. Hardcoded defaults
//
// Environment variables use an underscore separator and are uppercased.
// The transformer splits on the first underscore into section.field_name:
//
//	SERVER_PORT             -> server.port
//	EMBEDDINGS_BASE_URL     -> embeddings.base_url
//	BACKEND_FALLBACK_TO_LOCAL -> backend.fallback_to_local
//
// Config files must have 0600 or 0400 permissions; world-readable files are
// rejected since the file may carry a search API key.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "assistd", "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate via the file descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envTransform maps environment variable names to config keys.
// Splits on the first underscore: SECTION_FIELD_NAME -> section.field_name.
func envTransform(s string) string {
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	// Skip permission check on Windows (different permission model)
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8480
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "assistd"
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = "0.1.0"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTELEndpoint == "" {
		cfg.Observability.OTELEndpoint = "localhost:4317"
	}
	if cfg.Observability.TraceSampling == 0 {
		cfg.Observability.TraceSampling = 1.0
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.config/assistd/vectorstore"
	}
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = 384
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334 // gRPC port, not HTTP 6333
	}
	if cfg.VectorStore.Qdrant.VectorSize == 0 {
		cfg.VectorStore.Qdrant.VectorSize = 384
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "http"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}

	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 1000
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 200
	}
	if cfg.Ingest.MaxDocumentBytes == 0 {
		cfg.Ingest.MaxDocumentBytes = 32 * 1024 * 1024 // 32MB
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 3
	}

	if cfg.Search.BaseURL == "" {
		cfg.Search.BaseURL = "https://customsearch.googleapis.com/customsearch/v1"
	}
	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 3
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = Duration(10 * time.Second)
	}
	if cfg.Search.RatePerMinute == 0 {
		cfg.Search.RatePerMinute = 60
	}

	if cfg.Backend.Remote.BaseURL == "" {
		cfg.Backend.Remote.BaseURL = "http://localhost:11434"
	}
	if cfg.Backend.Remote.Model == "" {
		cfg.Backend.Remote.Model = "llama3.2"
	}
	if cfg.Backend.Remote.Timeout == 0 {
		cfg.Backend.Remote.Timeout = Duration(120 * time.Second)
	}
	if cfg.Backend.Local.BaseURL == "" {
		cfg.Backend.Local.BaseURL = "http://localhost:11434"
	}
	if cfg.Backend.Local.Model == "" {
		cfg.Backend.Local.Model = "llama3.2"
	}
	if cfg.Backend.Local.Timeout == 0 {
		cfg.Backend.Local.Timeout = Duration(120 * time.Second)
	}
	if cfg.Backend.CancelGrace == 0 {
		cfg.Backend.CancelGrace = Duration(5 * time.Second)
	}

	if cfg.Session.HistoryTurns == 0 {
		cfg.Session.HistoryTurns = 6
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = Duration(30 * time.Minute)
	}

	if cfg.Assembler.Budget == 0 {
		cfg.Assembler.Budget = 8000
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "assistd"
	}
}

package vectorstore

import (
	"fmt"

	"github.com/sylvanlabs/assistd/internal/config"
	"go.uber.org/zap"
)

// NewStore creates a Store based on the configuration.
//
// The factory examines VectorStoreConfig.Provider:
//   - "chromem" (default): embedded ChromemStore, no external service
//   - "qdrant": QdrantStore, requires a running Qdrant server
func NewStore(cfg *config.VectorStoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			VectorSize: cfg.Chromem.VectorSize,
		}, logger)

	case "qdrant":
		return NewQdrantStore(QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			VectorSize: uint64(cfg.Qdrant.VectorSize),
		}, logger)

	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}
}

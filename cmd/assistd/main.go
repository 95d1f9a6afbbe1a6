// Assistd is the conversational assistant daemon: session orchestration,
// document retrieval, web search, and streaming model backends behind one
// HTTP API.
//
// Configuration is loaded from a YAML file and environment variables; see
// internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	assistd serve
//
//	# Configure via environment
//	SERVER_PORT=9090 BACKEND_REMOTE_BASE_URL=http://gpu-box:11434 assistd serve
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sylvanlabs/assistd/internal/assembler"
	"github.com/sylvanlabs/assistd/internal/backend"
	"github.com/sylvanlabs/assistd/internal/config"
	"github.com/sylvanlabs/assistd/internal/embeddings"
	"github.com/sylvanlabs/assistd/internal/events"
	"github.com/sylvanlabs/assistd/internal/httpapi"
	"github.com/sylvanlabs/assistd/internal/ingest"
	"github.com/sylvanlabs/assistd/internal/logging"
	"github.com/sylvanlabs/assistd/internal/orchestrator"
	"github.com/sylvanlabs/assistd/internal/retrieval"
	"github.com/sylvanlabs/assistd/internal/search"
	"github.com/sylvanlabs/assistd/internal/session"
	"github.com/sylvanlabs/assistd/internal/telemetry"
	"github.com/sylvanlabs/assistd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "assistd",
		Short:         "Conversational assistant daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("assistd\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	}

	root.AddCommand(serve, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "assistd: %v\n", err)
		os.Exit(1)
	}
}

// run starts the daemon and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Fields: map[string]string{"service": cfg.Observability.ServiceName},
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting assistd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
	)

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		Endpoint:       cfg.Observability.OTELEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Insecure:       cfg.Observability.OTELInsecure,
		SamplingRate:   cfg.Observability.TraceSampling,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	cfg.VectorStore.Chromem.Path = expandHome(cfg.VectorStore.Chromem.Path)
	store, err := vectorstore.NewStore(&cfg.VectorStore, logger)
	if err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}
	defer func() { _ = store.Close() }()

	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		Timeout:  time.Duration(cfg.Embeddings.Timeout),
	})
	if err != nil {
		return fmt.Errorf("initializing embeddings: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	// Event publishing is optional; a missing broker downgrades to local
	// operation rather than failing startup.
	var publisher *events.Publisher
	if cfg.Events.Enabled {
		publisher, err = events.Connect(events.Config{
			URL:           cfg.Events.URL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
		}, logger)
		if err != nil {
			logger.Warn("event publishing disabled", zap.Error(err))
			publisher = nil
		}
	}
	defer publisher.Close()

	var docNotifier ingest.Notifier
	var turnNotifier orchestrator.Notifier
	if publisher != nil {
		docNotifier = publisher
		turnNotifier = publisher
	}

	ingestSvc, err := ingest.NewService(store, embedder, ingest.Config{
		ChunkSize:        cfg.Ingest.ChunkSize,
		ChunkOverlap:     cfg.Ingest.ChunkOverlap,
		MaxDocumentBytes: int(cfg.Ingest.MaxDocumentBytes),
	}, logger, docNotifier)
	if err != nil {
		return fmt.Errorf("initializing ingest: %w", err)
	}

	if cfg.Ingest.WatchEnabled {
		watcher, err := ingest.NewWatcher(expandHome(cfg.Ingest.WatchDir), retrieval.SharedCollection, ingestSvc, logger)
		if err != nil {
			return fmt.Errorf("initializing document watcher: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("document watcher stopped", zap.Error(err))
			}
		}()
	}

	retriever, err := retrieval.NewRetriever(store, embedder, ingestSvc, retrieval.Config{
		TopK:   cfg.Retrieval.TopK,
		Rerank: cfg.Retrieval.Rerank,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing retriever: %w", err)
	}

	var searchProvider search.Provider
	if cfg.Search.Enabled && cfg.Search.APIKey != "" {
		searchProvider = search.NewClient(search.Config{
			BaseURL:       cfg.Search.BaseURL,
			APIKey:        cfg.Search.APIKey,
			EngineID:      cfg.Search.EngineID,
			MaxResults:    cfg.Search.MaxResults,
			Timeout:       time.Duration(cfg.Search.Timeout),
			RatePerMinute: cfg.Search.RatePerMinute,
		}, logger)
	}
	resilientSearch := search.NewResilient(searchProvider, logger)

	remote := backend.NewOllamaBackend("remote", backend.OllamaConfig{
		BaseURL:     cfg.Backend.Remote.BaseURL,
		Model:       cfg.Backend.Remote.Model,
		Timeout:     time.Duration(cfg.Backend.Remote.Timeout),
		CancelGrace: time.Duration(cfg.Backend.CancelGrace),
	}, logger)
	local := backend.NewOllamaBackend("local", backend.OllamaConfig{
		BaseURL:     cfg.Backend.Local.BaseURL,
		Model:       cfg.Backend.Local.Model,
		Timeout:     time.Duration(cfg.Backend.Local.Timeout),
		CancelGrace: time.Duration(cfg.Backend.CancelGrace),
	}, logger)

	var chain backend.Backend = remote
	if cfg.Backend.FallbackToLocal {
		chain = backend.NewFailover(remote, local, logger)
	}

	// Destroying a session drops its private document collection with it.
	sessions := session.NewManager(session.Config{
		HistoryTurns: cfg.Session.HistoryTurns,
		IdleTimeout:  time.Duration(cfg.Session.IdleTimeout),
	}, logger, func(id string) {
		collection := retrieval.Scope{SessionID: id}.Collection()
		if err := ingestSvc.DropCollection(context.Background(), collection); err != nil {
			logger.Warn("dropping session collection",
				zap.String("session_id", id),
				zap.Error(err),
			)
		}
	})
	go sessions.RunReaper(ctx, time.Minute)

	orch, err := orchestrator.New(
		sessions,
		retriever,
		resilientSearch,
		chain,
		local,
		assembler.New(assembler.Config{
			Budget:         cfg.Assembler.Budget,
			RelevanceFirst: cfg.Assembler.RelevanceFirst,
		}),
		turnNotifier,
		orchestrator.Config{
			HistoryTurns:  cfg.Session.HistoryTurns,
			SearchTimeout: time.Duration(cfg.Search.Timeout),
			CancelGrace:   time.Duration(cfg.Backend.CancelGrace),
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	srv, err := httpapi.NewServer(sessions, orch, ingestSvc, httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// expandHome expands a leading "~" to the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

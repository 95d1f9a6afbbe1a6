package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settleDelay is how long a file must be quiet after its last write event
// before it is ingested. Uploads and editor saves arrive as bursts.
const settleDelay = 500 * time.Millisecond

// Watcher ingests files dropped into a directory into a fixed collection.
//
// The document id is the filename, so overwriting a file re-ingests it and
// replaces its previous chunks.
type Watcher struct {
	dir        string
	collection string
	service    *Service
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a drop-directory watcher.
func NewWatcher(dir, collection string, service *Service, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if service == nil {
		return nil, fmt.Errorf("ingest service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		dir:        dir,
		collection: collection,
		service:    service,
		logger:     logger,
		pending:    make(map[string]*time.Timer),
	}, nil
}

// Run watches the directory until the context is canceled. Files already
// present at startup are ingested once before watching begins.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating watch directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.ingestExisting(ctx)

	w.logger.Info("watching drop directory",
		zap.String("dir", w.dir),
		zap.String("collection", w.collection),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ctx, event.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// ingestExisting processes files already in the directory.
func (w *Watcher) ingestExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading watch directory", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.ingestFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// schedule arms or resets the settle timer for a path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingestFile(ctx, path)
	})
}

func (w *Watcher) ingestFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading dropped file", zap.String("path", path), zap.Error(err))
		return
	}

	filename := filepath.Base(path)
	_, err = w.service.Ingest(ctx, Request{
		Collection: w.collection,
		DocumentID: filename,
		Filename:   filename,
		MimeType:   MimeFromFilename(filename),
		Data:       data,
	})
	if err != nil {
		w.logger.Warn("ingesting dropped file",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

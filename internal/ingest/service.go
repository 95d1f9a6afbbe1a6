package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sylvanlabs/assistd/internal/embeddings"
	"github.com/sylvanlabs/assistd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("assistd.ingest")

var (
	// ErrDocumentTooLarge indicates the upload exceeds the configured limit.
	ErrDocumentTooLarge = errors.New("document exceeds size limit")

	// ErrEmptyDocument indicates the document parsed to no text.
	ErrEmptyDocument = errors.New("document contains no text")

	// ErrDocumentNotFound indicates an unknown document id.
	ErrDocumentNotFound = errors.New("document not found")
)

var (
	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistd",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total number of ingested documents by result",
		},
		[]string{"result"},
	)

	ingestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "assistd",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Duration of document ingestion in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Status is the lifecycle state of a document.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusIndexed Status = "INDEXED"
	StatusFailed  Status = "FAILED"
)

// Document describes an ingested document and its index state.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Collection string    `json:"collection"`
	Status     Status    `json:"status"`
	ChunkCount int       `json:"chunk_count"`
	IngestedAt time.Time `json:"ingested_at"`
	Error      string    `json:"error,omitempty"`
}

// Notifier receives document lifecycle notifications. Implementations must
// not block; a nil Notifier is valid.
type Notifier interface {
	DocumentIndexed(ctx context.Context, doc Document)
	DocumentFailed(ctx context.Context, doc Document)
}

// Request is one ingestion job.
type Request struct {
	// Collection is the target store collection (session or shared scope).
	Collection string
	// DocumentID identifies the document; re-using an id replaces the
	// previous chunk set.
	DocumentID string
	Filename   string
	MimeType   string
	Data       []byte
}

// Config holds ingestion pipeline configuration.
type Config struct {
	// ChunkSize is the maximum chunk length in runes. Default: 1000
	ChunkSize int
	// ChunkOverlap is the overlap stride between adjacent chunks. Default: 200
	ChunkOverlap int
	// MaxDocumentBytes bounds upload size. Default: 10MB
	MaxDocumentBytes int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = 200
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = 10 * 1024 * 1024
	}
}

// docRecord tracks one document's registry state.
//
// visibleGen is the generation the retriever may see. The swap from the old
// to the new generation is a single field write under the registry lock,
// which is what makes re-ingestion atomic from the reader's point of view.
type docRecord struct {
	doc        Document
	visibleGen uint64
	nextGen    uint64

	// ingestMu serializes re-ingestion of this document id.
	ingestMu sync.Mutex
}

// Service is the ingestion pipeline: parse, chunk, embed, swap into the
// store, and track document status.
type Service struct {
	store    vectorstore.Store
	embedder embeddings.Provider
	chunker  *Chunker
	config   Config
	logger   *zap.Logger
	notifier Notifier

	mu   sync.RWMutex
	docs map[string]*docRecord
}

// NewService creates the ingestion pipeline.
func NewService(store vectorstore.Store, embedder embeddings.Provider, config Config, logger *zap.Logger, notifier Notifier) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Service{
		store:    store,
		embedder: embedder,
		chunker:  NewChunker(config.ChunkSize, config.ChunkOverlap),
		config:   config,
		logger:   logger,
		notifier: notifier,
		docs:     make(map[string]*docRecord),
	}, nil
}

func docKey(collection, documentID string) string {
	return collection + "/" + documentID
}

// record returns the registry record for a document, creating it if needed.
func (s *Service) record(collection, documentID string) *docRecord {
	key := docKey(collection, documentID)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[key]
	if !ok {
		rec = &docRecord{}
		s.docs[key] = rec
	}
	return rec
}

// Ingest parses, chunks, embeds, and indexes one document.
//
// Embedding is all-or-nothing: a failure on any chunk marks the document
// FAILED before anything is written, so the retriever never sees a
// partially indexed document. Re-ingesting an existing document id writes
// the new chunk generation first, flips visibility, then removes the old
// generation, so concurrent retrievals see either the old or the new set,
// never a mix.
func (s *Service) Ingest(ctx context.Context, req Request) (Document, error) {
	ctx, span := tracer.Start(ctx, "ingest.Ingest")
	defer span.End()

	span.SetAttributes(
		attribute.String("document_id", req.DocumentID),
		attribute.String("collection", req.Collection),
		attribute.String("mime_type", req.MimeType),
		attribute.Int("bytes", len(req.Data)),
	)

	start := time.Now()
	defer func() { ingestDuration.Observe(time.Since(start).Seconds()) }()

	if err := vectorstore.ValidateCollectionName(req.Collection); err != nil {
		return Document{}, err
	}
	if req.DocumentID == "" {
		return Document{}, fmt.Errorf("document id is required")
	}
	if len(req.Data) > s.config.MaxDocumentBytes {
		return Document{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrDocumentTooLarge, len(req.Data), s.config.MaxDocumentBytes)
	}

	rec := s.record(req.Collection, req.DocumentID)
	rec.ingestMu.Lock()
	defer rec.ingestMu.Unlock()

	s.mu.Lock()
	rec.nextGen++
	gen := rec.nextGen
	oldGen := rec.visibleGen
	rec.doc = Document{
		ID:         req.DocumentID,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		Collection: req.Collection,
		Status:     StatusPending,
	}
	s.mu.Unlock()

	doc, err := s.index(ctx, req, gen)

	s.mu.Lock()
	rec.doc = doc
	if err == nil {
		rec.visibleGen = gen
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		documentsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("document ingestion failed",
			zap.String("document_id", req.DocumentID),
			zap.String("collection", req.Collection),
			zap.Error(err),
		)
		if s.notifier != nil {
			s.notifier.DocumentFailed(ctx, doc)
		}
		return doc, err
	}

	// Old generation is no longer visible; removing it is cleanup, not
	// correctness. Failures are logged and retried on the next re-ingest.
	if oldGen > 0 {
		if derr := s.store.DeleteWhere(ctx, req.Collection, map[string]string{
			vectorstore.MetaDocumentID: req.DocumentID,
			vectorstore.MetaGeneration: formatGen(oldGen),
		}); derr != nil {
			s.logger.Warn("failed to delete superseded chunk generation",
				zap.String("document_id", req.DocumentID),
				zap.Uint64("generation", oldGen),
				zap.Error(derr),
			)
		}
	}

	span.SetAttributes(attribute.Int("chunks", doc.ChunkCount))
	span.SetStatus(codes.Ok, "success")
	documentsTotal.WithLabelValues("indexed").Inc()

	s.logger.Info("document indexed",
		zap.String("document_id", req.DocumentID),
		zap.String("collection", req.Collection),
		zap.Int("chunks", doc.ChunkCount),
	)

	if s.notifier != nil {
		s.notifier.DocumentIndexed(ctx, doc)
	}
	return doc, nil
}

// index performs the parse/chunk/embed/write sequence for one generation.
func (s *Service) index(ctx context.Context, req Request, gen uint64) (Document, error) {
	doc := Document{
		ID:         req.DocumentID,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		Collection: req.Collection,
		IngestedAt: time.Now().UTC(),
	}

	fail := func(err error) (Document, error) {
		doc.Status = StatusFailed
		doc.Error = err.Error()
		return doc, err
	}

	text, err := Parse(req.Data, req.MimeType)
	if err != nil {
		return fail(err)
	}

	texts := s.chunker.Split(text)
	if len(texts) == 0 {
		return fail(ErrEmptyDocument)
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", embeddings.ErrEmbeddingFailed, err))
	}

	chunks := make([]vectorstore.Chunk, len(texts))
	for i, chunkText := range texts {
		chunks[i] = vectorstore.Chunk{
			ID:         fmt.Sprintf("%s:%d:%d", req.DocumentID, gen, i),
			DocumentID: req.DocumentID,
			Ordinal:    i,
			Text:       chunkText,
			Embedding:  vectors[i],
			Metadata: map[string]string{
				vectorstore.MetaGeneration:     formatGen(gen),
				vectorstore.MetaEmbeddingModel: s.embedder.ModelID(),
				vectorstore.MetaFilename:       req.Filename,
			},
		}
	}

	if err := s.store.AddChunks(ctx, req.Collection, chunks); err != nil {
		return fail(fmt.Errorf("writing chunks: %w", err))
	}

	doc.Status = StatusIndexed
	doc.ChunkCount = len(chunks)
	return doc, nil
}

// Get returns the tracked state of a document.
func (s *Service) Get(collection, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[docKey(collection, documentID)]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return rec.doc, nil
}

// List returns all tracked documents in a collection.
func (s *Service) List(collection string) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []Document
	for _, rec := range s.docs {
		if rec.doc.Collection == collection {
			docs = append(docs, rec.doc)
		}
	}
	return docs
}

// Delete removes a document's chunks and registry entry.
func (s *Service) Delete(ctx context.Context, collection, documentID string) error {
	ctx, span := tracer.Start(ctx, "ingest.Delete")
	defer span.End()

	if err := s.store.DeleteWhere(ctx, collection, map[string]string{
		vectorstore.MetaDocumentID: documentID,
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting document chunks: %w", err)
	}

	s.mu.Lock()
	delete(s.docs, docKey(collection, documentID))
	s.mu.Unlock()

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DropCollection removes a whole collection and its registry entries.
// Used when a session is destroyed.
func (s *Service) DropCollection(ctx context.Context, collection string) error {
	if err := s.store.DeleteCollection(ctx, collection); err != nil {
		return err
	}

	s.mu.Lock()
	for key, rec := range s.docs {
		if rec.doc.Collection == collection {
			delete(s.docs, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// IsVisible reports whether a chunk generation is the current one for its
// document. Documents unknown to the registry (e.g. persisted chunks from a
// previous run) are visible. A FAILED document contributes no chunks at all,
// and a superseded generation is hidden the moment its replacement lands.
func (s *Service) IsVisible(collection, documentID, generation string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[docKey(collection, documentID)]
	if !ok {
		return true
	}
	if rec.doc.Status == StatusFailed {
		return false
	}
	if rec.visibleGen == 0 {
		return true
	}
	return generation == formatGen(rec.visibleGen)
}

func formatGen(gen uint64) string {
	return strconv.FormatUint(gen, 10)
}

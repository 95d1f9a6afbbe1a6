// Package httpapi exposes the session and document APIs over HTTP. Turn
// output streams to the client as server-sent events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sylvanlabs/assistd/internal/backend"
	"github.com/sylvanlabs/assistd/internal/ingest"
	"github.com/sylvanlabs/assistd/internal/orchestrator"
	"github.com/sylvanlabs/assistd/internal/retrieval"
	"github.com/sylvanlabs/assistd/internal/session"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP API.
type Server struct {
	echo     *echo.Echo
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	ingest   *ingest.Service
	logger   *zap.Logger
	config   Config
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(sessions *session.Manager, orch *orchestrator.Orchestrator, ingestSvc *ingest.Service, cfg Config, logger *zap.Logger) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if ingestSvc == nil {
		return nil, fmt.Errorf("ingest service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8480
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		sessions: sessions,
		orch:     orch,
		ingest:   ingestSvc,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

// Echo exposes the underlying router for extra route registration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.PUT("/sessions/:id/mode", s.handleSetMode)
	v1.DELETE("/sessions/:id", s.handleDestroySession)
	v1.GET("/sessions/:id/history", s.handleHistory)

	v1.POST("/sessions/:id/turns", s.handleTurn)
	v1.POST("/sessions/:id/cancel", s.handleCancel)

	v1.POST("/sessions/:id/documents", s.handleUploadDocument)
	v1.GET("/sessions/:id/documents", s.handleListDocuments)
	v1.DELETE("/sessions/:id/documents/:doc", s.handleDeleteDocument)

	v1.POST("/documents", s.handleUploadShared)
	v1.GET("/documents", s.handleListShared)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, s.sessions.Create(mode))
}

func (s *Server) handleGetSession(c echo.Context) error {
	info, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// SetModeRequest is the request body for PUT /api/v1/sessions/:id/mode.
type SetModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(c echo.Context) error {
	var req SetModeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		return httpError(err)
	}
	if err := s.sessions.SetMode(c.Param("id"), mode); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDestroySession(c echo.Context) error {
	if err := s.sessions.Destroy(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHistory(c echo.Context) error {
	n := 0
	if raw := c.QueryParam("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "n must be an integer")
		}
		n = parsed
	}
	history, err := s.sessions.History(c.Param("id"), n)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, history)
}

// TurnRequest is the request body for POST /api/v1/sessions/:id/turns.
type TurnRequest struct {
	Input string `json:"input"`
	// Images carries base64-encoded attachments for visual modes.
	Images []string `json:"images,omitempty"`
}

// sseEvent is one server-sent event payload.
type sseEvent struct {
	Text string `json:"text,omitempty"`
	Done bool   `json:"done,omitempty"`
	// Error carries the failure message on an abnormal terminal event.
	Error string `json:"error,omitempty"`
	// Degraded marks a turn that proceeded without web results.
	Degraded bool `json:"degraded,omitempty"`
}

func (s *Server) handleTurn(c echo.Context) error {
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ts, err := s.orch.HandleTurn(c.Request().Context(), c.Param("id"), req.Input, req.Images)
	if err != nil {
		return httpError(err)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for tok := range ts.Tokens {
		event := sseEvent{Text: tok.Text, Done: tok.Done}
		if tok.Done {
			event.Degraded = ts.Degraded
			if tok.Err != nil {
				event.Error = tok.Err.Error()
			}
		}
		if err := writeSSE(resp, event); err != nil {
			// Client went away; the orchestrator still finishes the turn.
			return nil
		}
	}
	return nil
}

// writeSSE writes one event and flushes it to the client.
func writeSSE(w io.Writer, event sseEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.sessions.Cancel(c.Param("id")); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		// Nothing in flight to cancel.
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleUploadDocument(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.sessions.Get(id); err != nil {
		return httpError(err)
	}
	collection := retrieval.Scope{SessionID: id}.Collection()
	return s.upload(c, collection)
}

func (s *Server) handleUploadShared(c echo.Context) error {
	return s.upload(c, retrieval.SharedCollection)
}

// upload ingests a multipart "file" part into the collection.
func (s *Server) upload(c echo.Context, collection string) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file part is required")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read file part")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read file part")
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = ingest.MimeFromFilename(fileHeader.Filename)
	}

	doc, err := s.ingest.Ingest(c.Request().Context(), ingest.Request{
		Collection: collection,
		DocumentID: fileHeader.Filename,
		Filename:   fileHeader.Filename,
		MimeType:   mimeType,
		Data:       data,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.sessions.Get(id); err != nil {
		return httpError(err)
	}
	collection := retrieval.Scope{SessionID: id}.Collection()
	return c.JSON(http.StatusOK, docList(s.ingest.List(collection)))
}

func (s *Server) handleListShared(c echo.Context) error {
	return c.JSON(http.StatusOK, docList(s.ingest.List(retrieval.SharedCollection)))
}

// docList keeps empty listings as [] instead of null.
func docList(docs []ingest.Document) []ingest.Document {
	if docs == nil {
		return []ingest.Document{}
	}
	return docs
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.sessions.Get(id); err != nil {
		return httpError(err)
	}
	collection := retrieval.Scope{SessionID: id}.Collection()
	if err := s.ingest.Delete(c.Request().Context(), collection, c.Param("doc")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, ingest.ErrDocumentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, retrieval.ErrIncompatibleEmbedding):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrInvalidMode),
		errors.Is(err, orchestrator.ErrEmptyInput),
		errors.Is(err, orchestrator.ErrMissingImage),
		errors.Is(err, ingest.ErrEmptyDocument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrDocumentTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, backend.ErrBackendUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

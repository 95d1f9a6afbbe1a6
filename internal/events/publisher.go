// Package events publishes document and turn lifecycle events to NATS.
// Publishing is fire-and-forget: a broker outage never blocks or fails the
// operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sylvanlabs/assistd/internal/ingest"
	"github.com/sylvanlabs/assistd/internal/session"
)

// Config holds event publisher configuration.
type Config struct {
	// URL is the NATS server URL. Default: nats.DefaultURL
	URL string
	// SubjectPrefix prefixes every subject. Default: "assistd"
	SubjectPrefix string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "assistd"
	}
}

// documentEvent is the wire form of a document lifecycle event.
type documentEvent struct {
	DocumentID string    `json:"document_id"`
	Collection string    `json:"collection"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status"`
	ChunkCount int       `json:"chunk_count"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// turnEvent is the wire form of a completed turn.
type turnEvent struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Chars     int       `json:"chars"`
	Fragments int       `json:"fragments"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits events on NATS subjects under a common prefix. The zero
// value (and a nil *Publisher) is a disabled publisher that drops events.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect creates a Publisher on a live NATS connection.
func Connect(config Config, logger *zap.Logger) (*Publisher, error) {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(config.URL,
		nats.Name("assistd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	logger.Info("event publisher connected", zap.String("url", config.URL))
	return &Publisher{conn: conn, prefix: config.SubjectPrefix, logger: logger}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("draining nats connection", zap.Error(err))
	}
}

// publish marshals and sends one event, logging failures instead of
// returning them.
func (p *Publisher) publish(subject string, event any) {
	if p == nil || p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("marshalling event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.prefix+"."+subject, data); err != nil {
		p.logger.Warn("publishing event", zap.String("subject", subject), zap.Error(err))
	}
}

// DocumentIndexed implements ingest.Notifier.
func (p *Publisher) DocumentIndexed(ctx context.Context, doc ingest.Document) {
	p.publish("document.indexed", documentEvent{
		DocumentID: doc.ID,
		Collection: doc.Collection,
		Filename:   doc.Filename,
		Status:     string(doc.Status),
		ChunkCount: doc.ChunkCount,
		Timestamp:  time.Now().UTC(),
	})
}

// DocumentFailed implements ingest.Notifier.
func (p *Publisher) DocumentFailed(ctx context.Context, doc ingest.Document) {
	p.publish("document.failed", documentEvent{
		DocumentID: doc.ID,
		Collection: doc.Collection,
		Filename:   doc.Filename,
		Status:     string(doc.Status),
		Error:      doc.Error,
		Timestamp:  time.Now().UTC(),
	})
}

// TurnCompleted implements the orchestrator's turn notifier. Transcript
// content stays out of the event; only shape and outcome go on the wire.
func (p *Publisher) TurnCompleted(sessionID string, turn session.Turn) {
	p.publish("turn.completed", turnEvent{
		SessionID: sessionID,
		Role:      string(turn.Role),
		Chars:     len(turn.Content),
		Fragments: len(turn.Fragments),
		Partial:   turn.Partial,
		Timestamp: time.Now().UTC(),
	})
}

var _ ingest.Notifier = (*Publisher)(nil)

package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sylvanlabs/assistd/internal/ingest"
	"github.com/sylvanlabs/assistd/internal/session"
)

func TestPublisher_DisabledIsSafe(t *testing.T) {
	var p *Publisher

	// All notification paths must be no-ops without a connection.
	p.DocumentIndexed(context.Background(), ingest.Document{ID: "d"})
	p.DocumentFailed(context.Background(), ingest.Document{ID: "d"})
	p.TurnCompleted("s", session.Turn{Role: session.RoleAssistant})
	p.Close()

	zero := &Publisher{}
	zero.DocumentIndexed(context.Background(), ingest.Document{ID: "d"})
	zero.Close()
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, "assistd", cfg.SubjectPrefix)
}

// Package session owns per-session state: transcript, mode, and the
// single-generation state machine.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy indicates a generation is already in flight. The caller
	// should retry after the current generation completes; turns are never
	// queued, which keeps transcript ordering trivial.
	ErrSessionBusy = errors.New("session busy")

	// ErrInvalidMode indicates an unrecognized interaction mode.
	ErrInvalidMode = errors.New("invalid session mode")
)

// Mode selects the pipeline for a turn.
type Mode string

const (
	// ModePlain is chat with no context sources.
	ModePlain Mode = "PLAIN"
	// ModeLocal forces the local backend with no network context sources.
	ModeLocal Mode = "LOCAL"
	// ModeRAG augments the prompt with retrieved document chunks.
	ModeRAG Mode = "RAG"
	// ModeSearch augments the prompt with web search excerpts.
	ModeSearch Mode = "SEARCH"
	// ModeRAGSearch combines retrieval and web search concurrently.
	ModeRAGSearch Mode = "RAG_SEARCH"
	// ModeLiveDraw is the drawing assistant channel; the turn carries a
	// canvas snapshot instead of a document.
	ModeLiveDraw Mode = "LIVE_DRAW"
	// ModeVisualQA answers questions about an attached image.
	ModeVisualQA Mode = "VISUAL_QA"
)

// ParseMode validates a mode string. Empty selects PLAIN.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return ModePlain, nil
	case ModePlain:
		return ModePlain, nil
	case ModeLocal:
		return ModeLocal, nil
	case ModeRAG:
		return ModeRAG, nil
	case ModeSearch:
		return ModeSearch, nil
	case ModeRAGSearch:
		return ModeRAGSearch, nil
	case ModeLiveDraw:
		return ModeLiveDraw, nil
	case ModeVisualQA:
		return ModeVisualQA, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// State is the per-session generation state.
type State string

const (
	StateIdle       State = "IDLE"
	StateGenerating State = "GENERATING"
	StateCancelling State = "CANCELLING"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Fragment records one piece of context actually included in a prompt,
// kept on the assistant turn for auditability.
type Fragment struct {
	// Kind is the source: "history", "document", or "web".
	Kind string `json:"kind"`
	// Ref locates the source (chunk id, URL, or turn index).
	Ref string `json:"ref"`
	// Score is the relevance score that ranked the fragment, if any.
	Score float32 `json:"score,omitempty"`
}

// Turn is one transcript entry. Immutable once appended.
type Turn struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Fragments []Fragment `json:"fragments,omitempty"`
	// Partial marks an assistant turn cut short by cancellation or a
	// mid-stream backend failure.
	Partial bool `json:"partial,omitempty"`
}

// Info is a read-only session snapshot.
type Info struct {
	ID         string    `json:"id"`
	Mode       Mode      `json:"mode"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	TurnCount  int       `json:"turn_count"`
}

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// session is the mutable record behind one session id.
type session struct {
	info       Info
	transcript []Turn

	// cancelActive cancels the in-flight generation, set only while
	// state is GENERATING or CANCELLING.
	cancelActive context.CancelFunc
}

// Config holds session manager configuration.
type Config struct {
	// HistoryTurns is how many recent turns History returns by default.
	// Default: 6
	HistoryTurns int
	// IdleTimeout destroys sessions with no activity. Default: 30m
	IdleTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 6
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
}

// Manager owns all sessions. Sessions are independent; operations within
// one session are serialized by the GENERATING state, which is what keeps
// token streams from interleaving.
type Manager struct {
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session

	// onEvict runs after a session is removed, outside the lock.
	onEvict func(id string)
}

// NewManager creates a session manager. onEvict may be nil; when set it is
// called with the id of every destroyed session so owners of per-session
// resources (document collections) can clean up.
func NewManager(config Config, logger *zap.Logger, onEvict func(id string)) *Manager {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:   config,
		logger:   logger,
		sessions: make(map[string]*session),
		onEvict:  onEvict,
	}
}

// Create starts a new session in the given mode.
func (m *Manager) Create(mode Mode) Info {
	now := time.Now().UTC()
	info := Info{
		ID:         uuid.New().String(),
		Mode:       mode,
		State:      StateIdle,
		CreatedAt:  now,
		LastActive: now,
	}

	m.mu.Lock()
	m.sessions[info.ID] = &session{info: info}
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", info.ID),
		zap.String("mode", string(mode)),
	)
	return info
}

// Get returns a session snapshot.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.info, nil
}

// SetMode changes a session's mode between turns.
func (m *Manager) SetMode(id string, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.info.State != StateIdle {
		return ErrSessionBusy
	}
	s.info.Mode = mode
	return nil
}

// Begin moves a session IDLE → GENERATING and registers the cancellation
// hook for the new active operation. A session not in IDLE rejects the turn
// with ErrSessionBusy.
func (m *Manager) Begin(id string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.info.State != StateIdle {
		return ErrSessionBusy
	}

	s.info.State = StateGenerating
	s.info.LastActive = time.Now().UTC()
	s.cancelActive = cancel
	return nil
}

// Cancel requests cancellation of the in-flight generation, moving
// GENERATING → CANCELLING. The session returns to IDLE when the stream's
// terminal marker is processed by Finish.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.info.State != StateGenerating {
		return fmt.Errorf("no generation in flight for session %s", id)
	}

	s.info.State = StateCancelling
	if s.cancelActive != nil {
		s.cancelActive()
	}
	return nil
}

// AppendUser appends the user's turn to the transcript.
func (m *Manager) AppendUser(id string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.transcript = append(s.transcript, Turn{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	s.info.TurnCount = len(s.transcript)
	s.info.LastActive = time.Now().UTC()
	return nil
}

// Finish appends the assistant turn (possibly partial) and returns the
// session to IDLE. Every generation ends here, whether it succeeded,
// errored, or was cancelled: the partial output already streamed is
// preserved rather than discarded.
func (m *Manager) Finish(id string, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.transcript = append(s.transcript, turn)
	s.info.TurnCount = len(s.transcript)
	s.info.LastActive = time.Now().UTC()
	s.info.State = StateIdle
	s.cancelActive = nil
	return nil
}

// Abort returns a GENERATING session to IDLE without appending a turn,
// for generations that failed before producing any output.
func (m *Manager) Abort(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.info.State = StateIdle
	s.cancelActive = nil
	return nil
}

// History returns the last n transcript turns, oldest first. n <= 0 uses
// the configured default.
func (m *Manager) History(id string, n int) ([]Turn, error) {
	if n <= 0 {
		n = m.config.HistoryTurns
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	start := len(s.transcript) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(s.transcript)-start)
	copy(out, s.transcript[start:])
	return out, nil
}

// Destroy removes a session. An in-flight generation is cancelled first.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.cancelActive != nil {
		s.cancelActive()
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.Info("session destroyed", zap.String("session_id", id))
	if m.onEvict != nil {
		m.onEvict(id)
	}
	return nil
}

// RunReaper destroys idle sessions until the context is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle destroys sessions idle past the timeout. Sessions with a
// generation in flight are never reaped; LastActive moves on Begin.
func (m *Manager) reapIdle() {
	cutoff := time.Now().UTC().Add(-m.config.IdleTimeout)

	m.mu.Lock()
	var evicted []string
	for id, s := range m.sessions {
		if s.info.State == StateIdle && s.info.LastActive.Before(cutoff) {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.logger.Info("idle session reaped", zap.String("session_id", id))
		if m.onEvict != nil {
			m.onEvict(id)
		}
	}
}

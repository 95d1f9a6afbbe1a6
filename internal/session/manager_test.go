package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{}, zap.NewNop(), nil)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{input: "", want: ModePlain},
		{input: "plain", want: ModePlain},
		{input: "RAG", want: ModeRAG},
		{input: " rag_search ", want: ModeRAGSearch},
		{input: "live_draw", want: ModeLiveDraw},
		{input: "visual_qa", want: ModeVisualQA},
		{input: "local", want: ModeLocal},
		{input: "search", want: ModeSearch},
		{input: "turbo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t)

	info := m.Create(ModeRAG)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, StateIdle, info.State)

	got, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeRAG, got.Mode)

	require.NoError(t, m.Destroy(info.ID))
	_, err = m.Get(info.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_BusyRejection(t *testing.T) {
	m := newTestManager(t)
	info := m.Create(ModePlain)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Begin(info.ID, cancel))

	// A second turn while GENERATING is rejected, not queued.
	err := m.Begin(info.ID, func() {})
	assert.ErrorIs(t, err, ErrSessionBusy)

	got, _ := m.Get(info.ID)
	assert.Equal(t, StateGenerating, got.State)

	// Finishing returns the session to IDLE and accepts the next turn.
	require.NoError(t, m.Finish(info.ID, Turn{Role: RoleAssistant, Content: "done"}))
	require.NoError(t, m.Begin(info.ID, func() {}))
}

func TestManager_CancelFlow(t *testing.T) {
	m := newTestManager(t)
	info := m.Create(ModePlain)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Begin(info.ID, cancel))

	require.NoError(t, m.Cancel(info.ID))

	// The cancellation hook must have fired.
	select {
	case <-ctx.Done():
	default:
		t.Fatal("cancel hook not invoked")
	}

	got, _ := m.Get(info.ID)
	assert.Equal(t, StateCancelling, got.State)

	// The partial turn lands in the transcript and the session idles.
	require.NoError(t, m.Finish(info.ID, Turn{
		Role:    RoleAssistant,
		Content: "partial out",
		Partial: true,
	}))

	got, _ = m.Get(info.ID)
	assert.Equal(t, StateIdle, got.State)

	history, err := m.History(info.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Partial)
	assert.Equal(t, "partial out", history[0].Content)
}

func TestManager_AbortLeavesNoTurn(t *testing.T) {
	m := newTestManager(t)
	info := m.Create(ModePlain)

	require.NoError(t, m.Begin(info.ID, func() {}))
	require.NoError(t, m.Abort(info.ID))

	got, _ := m.Get(info.ID)
	assert.Equal(t, StateIdle, got.State)

	history, err := m.History(info.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestManager_CancelRequiresInFlight(t *testing.T) {
	m := newTestManager(t)
	info := m.Create(ModePlain)

	assert.Error(t, m.Cancel(info.ID))
}

func TestManager_History(t *testing.T) {
	m := NewManager(Config{HistoryTurns: 2}, zap.NewNop(), nil)
	info := m.Create(ModePlain)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendUser(info.ID, "q"))
		require.NoError(t, m.Finish(info.ID, Turn{Role: RoleAssistant, Content: "a"}))
	}

	// Default window.
	history, err := m.History(info.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Explicit larger window.
	history, err = m.History(info.ID, 100)
	require.NoError(t, err)
	assert.Len(t, history, 6)

	// Oldest first; alternating roles preserved.
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, RoleAssistant, history[1].Role)
}

func TestManager_ReapsIdleSessions(t *testing.T) {
	evicted := make(chan string, 1)
	m := NewManager(Config{IdleTimeout: 10 * time.Millisecond}, zap.NewNop(), func(id string) {
		evicted <- id
	})

	info := m.Create(ModePlain)
	time.Sleep(20 * time.Millisecond)
	m.reapIdle()

	select {
	case id := <-evicted:
		assert.Equal(t, info.ID, id)
	default:
		t.Fatal("expected eviction callback")
	}

	_, err := m.Get(info.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_ReaperSkipsGenerating(t *testing.T) {
	m := NewManager(Config{IdleTimeout: time.Nanosecond}, zap.NewNop(), nil)
	info := m.Create(ModePlain)

	require.NoError(t, m.Begin(info.ID, func() {}))
	time.Sleep(time.Millisecond)
	m.reapIdle()

	_, err := m.Get(info.ID)
	assert.NoError(t, err)
}

package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-dev/routa/internal/acp"
	"github.com/routa-dev/routa/internal/bridge"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/store"
)

func echoProvider(name string) ProviderSpec {
	return ProviderSpec{
		Name:      name,
		Transport: bridge.TransportSDK,
		PromptFunc: func(ctx context.Context, sessionID, text string, emit func(acp.Notification)) error {
			emit(acp.Notification{
				Method: acp.NotificationMethodUpdate,
				Params: json.RawMessage(`{"kind":"output_chunk","text":"` + text + `"}`),
			})
			emit(acp.Notification{
				Method: acp.NotificationMethodUpdate,
				Params: json.RawMessage(`{"kind":"completed","stop_reason":"end_turn"}`),
			})
			return nil
		},
	}
}

func newTestManager(t *testing.T) (*Manager, store.Store, *bridge.Bridge) {
	t.Helper()
	log := logger.Default()
	st := store.NewMemoryStore()
	br := bridge.New(log)
	m := NewManager(st, br, []ProviderSpec{echoProvider("echo")}, "echo", log)
	return m, st, br
}

func TestCreateSessionPersistsAndRegisters(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, providerID, err := m.CreateSession(ctx, CreateSessionRequest{
		Cwd:         "/repo",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, providerID)

	// Persisted before return.
	row, err := st.GetACPSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "echo", row.Provider)
	assert.Equal(t, "/repo", row.Cwd)
	assert.Equal(t, "ws-1", row.WorkspaceID)

	require.NotNil(t, m.GetAdapter(sessionID))
	infos := m.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, StateReady, infos[0].State)
}

func TestCreateSessionUnknownProvider(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, _, err := m.CreateSession(context.Background(), CreateSessionRequest{Provider: "nope"})
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}

func TestPromptRoutesThroughAdapter(t *testing.T) {
	m, _, br := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := m.CreateSession(ctx, CreateSessionRequest{Cwd: "/repo"})
	require.NoError(t, err)

	done := make(chan bridge.AgentEvent, 8)
	br.Subscribe(sessionID, func(e bridge.AgentEvent) {
		done <- e
	})

	require.NoError(t, m.Prompt(ctx, sessionID, "hello"))

	var kinds []bridge.EventKind
	for len(kinds) < 2 {
		e := <-done
		if e.Kind == bridge.EventStarted {
			continue
		}
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, bridge.EventOutputChunk, kinds[0])
	assert.Equal(t, bridge.EventCompleted, kinds[1])

	infos := m.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, StateReady, infos[0].State)
}

func TestKillSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := m.CreateSession(ctx, CreateSessionRequest{Cwd: "/repo"})
	require.NoError(t, err)

	require.NoError(t, m.KillSession(sessionID))
	assert.Nil(t, m.GetAdapter(sessionID))
	assert.ErrorIs(t, m.KillSession(sessionID), ErrSessionNotFound)
	assert.ErrorIs(t, m.Prompt(ctx, sessionID, "hi"), ErrSessionNotFound)
}

func TestKillAll(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := m.CreateSession(ctx, CreateSessionRequest{Cwd: "/repo"})
		require.NoError(t, err)
	}
	require.Len(t, m.ListSessions(), 3)
	m.KillAll()
	assert.Empty(t, m.ListSessions())
}

func TestGetOrRecreateAdapterColdStart(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := m.CreateSession(ctx, CreateSessionRequest{Cwd: "/repo"})
	require.NoError(t, err)

	// Simulate a restart: registry empty, persistence intact.
	m.KillAll()
	require.Nil(t, m.GetAdapter(sessionID))

	adapter, err := m.GetOrRecreateAdapter(ctx, sessionID, nil)
	require.NoError(t, err)
	require.NotNil(t, adapter)
	assert.NotNil(t, m.GetAdapter(sessionID))

	// Unknown sessions are distinguished from unrecoverable ones.
	_, err = m.GetOrRecreateAdapter(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Subprocess providers cannot be recovered.
	row := &store.ACPSession{ID: "sub-1", Provider: "claude", Cwd: "/repo"}
	require.NoError(t, st.CreateACPSession(ctx, row))
	_, err = m.GetOrRecreateAdapter(ctx, "sub-1", nil)
	assert.ErrorIs(t, err, ErrColdStartImpossible)
}

func TestSetSessionModePersists(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	sessionID, _, err := m.CreateSession(ctx, CreateSessionRequest{Cwd: "/repo"})
	require.NoError(t, err)

	// The in-process provider rejects modes; SetSessionMode still persists.
	require.NoError(t, m.SetSessionMode(ctx, sessionID, "plan"))
	row, err := st.GetACPSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "plan", row.ModeID)
}

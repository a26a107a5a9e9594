package background

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-dev/routa/internal/acp"
	"github.com/routa-dev/routa/internal/bridge"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/session"
	"github.com/routa-dev/routa/internal/store"
)

type engineEnv struct {
	engine  *Engine
	st      store.Store
	prompts chan string
}

// newEngineEnv builds an engine over an in-process provider that emits one
// tool call and a final result with token usage.
func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	log := logger.Default()
	st := store.NewMemoryStore()
	br := bridge.New(log)
	prompts := make(chan string, 32)

	provider := session.ProviderSpec{
		Name:      "fake",
		Transport: bridge.TransportSDK,
		PromptFunc: func(ctx context.Context, sessionID, text string, emit func(acp.Notification)) error {
			prompts <- text
			for _, params := range []string{
				`{"kind":"tool_call_started","tool_call_id":"t1","tool_name":"bash"}`,
				`{"kind":"tool_call_ended","tool_call_id":"t1"}`,
				`{"kind":"output_chunk","text":"all done"}`,
				`{"kind":"completed","stop_reason":"end_turn","raw":{"usage":{"input_tokens":100,"output_tokens":25}}}`,
			} {
				emit(acp.Notification{
					Method: acp.NotificationMethodUpdate,
					Params: json.RawMessage(params),
				})
			}
			return nil
		},
	}
	mgr := session.NewManager(st, br, []session.ProviderSpec{provider}, "fake", log)
	engine := NewEngine(st, mgr, br, nil, Config{
		DefaultProvider: "fake",
		DefaultCwd:      "/repo",
	}, log)
	return &engineEnv{engine: engine, st: st, prompts: prompts}
}

func waitForStatus(t *testing.T, st store.Store, id string, want store.BackgroundTaskStatus) *store.BackgroundTask {
	t.Helper()
	var task *store.BackgroundTask
	require.Eventually(t, func() bool {
		var err error
		task, err = st.GetBackgroundTask(context.Background(), id)
		require.NoError(t, err)
		return task.Status == want
	}, 3*time.Second, 10*time.Millisecond, "task never reached %s", want)
	return task
}

func TestEngineRunsQueuedTask(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	task := &store.BackgroundTask{
		Title:       "nightly sweep",
		Prompt:      "clean up stale branches",
		WorkspaceID: "ws-1",
	}
	require.NoError(t, env.engine.Enqueue(ctx, task))
	env.engine.Tick(ctx)

	done := waitForStatus(t, env.st, task.ID, store.BackgroundCompleted)
	assert.NotEmpty(t, done.ResultSessionID)
	assert.Equal(t, "all done", done.TaskOutput)
	assert.Equal(t, 1, done.ToolCallCount)
	assert.Equal(t, int64(100), done.InputTokens)
	assert.Equal(t, int64(25), done.OutputTokens)
	assert.NotNil(t, done.CompletedAt)
	assert.NotNil(t, done.LastActivity)

	select {
	case prompt := <-env.prompts:
		assert.Equal(t, "clean up stale branches", prompt)
	default:
		t.Fatal("prompt was never delivered")
	}
}

func TestEngineDependencyGating(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	first := &store.BackgroundTask{Title: "first", Prompt: "p1", WorkspaceID: "ws-1"}
	require.NoError(t, env.engine.Enqueue(ctx, first))
	second := &store.BackgroundTask{
		Title: "second", Prompt: "p2", WorkspaceID: "ws-1",
		DependsOnTaskIDs: []string{first.ID},
	}
	require.NoError(t, env.engine.Enqueue(ctx, second))

	// The first tick picks up "first"; "second" becomes ready only after
	// "first" completes.
	env.engine.Tick(ctx)
	waitForStatus(t, env.st, first.ID, store.BackgroundCompleted)

	env.engine.Tick(ctx)
	waitForStatus(t, env.st, second.ID, store.BackgroundCompleted)
}

func TestEngineWaitsForCompletedEventBeforeFinishing(t *testing.T) {
	log := logger.Default()
	st := store.NewMemoryStore()
	br := bridge.New(log)

	// The provider returns as soon as it has emitted; the completed event
	// still has to travel through the bridge's dispatch goroutine before the
	// row is finalized, so every task must end with its full output.
	provider := session.ProviderSpec{
		Name:      "fake",
		Transport: bridge.TransportSDK,
		PromptFunc: func(ctx context.Context, sessionID, text string, emit func(acp.Notification)) error {
			for i := 0; i < 20; i++ {
				emit(acp.Notification{
					Method: acp.NotificationMethodUpdate,
					Params: json.RawMessage(`{"kind":"output_chunk","text":"chunk."}`),
				})
			}
			emit(acp.Notification{
				Method: acp.NotificationMethodUpdate,
				Params: json.RawMessage(`{"kind":"completed","stop_reason":"end_turn"}`),
			})
			return nil
		},
	}
	mgr := session.NewManager(st, br, []session.ProviderSpec{provider}, "fake", log)
	engine := NewEngine(st, mgr, br, nil, Config{DefaultProvider: "fake"}, log)
	ctx := context.Background()

	var want string
	for i := 0; i < 20; i++ {
		want += "chunk."
	}
	for i := 0; i < 10; i++ {
		task := &store.BackgroundTask{Title: "chatty", Prompt: "p", WorkspaceID: "ws-1"}
		require.NoError(t, engine.Enqueue(ctx, task))
		engine.Tick(ctx)
		done := waitForStatus(t, st, task.ID, store.BackgroundCompleted)
		assert.Equal(t, want, done.TaskOutput)
	}
}

func TestEngineBoundsConcurrency(t *testing.T) {
	log := logger.Default()
	st := store.NewMemoryStore()
	br := bridge.New(log)
	release := make(chan struct{})
	started := make(chan string, 8)

	provider := session.ProviderSpec{
		Name:      "fake",
		Transport: bridge.TransportSDK,
		PromptFunc: func(ctx context.Context, sessionID, text string, emit func(acp.Notification)) error {
			started <- text
			select {
			case <-release:
			case <-ctx.Done():
			}
			emit(acp.Notification{
				Method: acp.NotificationMethodUpdate,
				Params: json.RawMessage(`{"kind":"completed","stop_reason":"end_turn"}`),
			})
			return nil
		},
	}
	mgr := session.NewManager(st, br, []session.ProviderSpec{provider}, "fake", log)
	engine := NewEngine(st, mgr, br, nil, Config{
		DefaultProvider: "fake",
		MaxConcurrent:   1,
	}, log)
	ctx := context.Background()

	first := &store.BackgroundTask{Title: "first", Prompt: "p1", WorkspaceID: "ws-1"}
	second := &store.BackgroundTask{Title: "second", Prompt: "p2", WorkspaceID: "ws-1"}
	require.NoError(t, engine.Enqueue(ctx, first))
	require.NoError(t, engine.Enqueue(ctx, second))

	engine.Tick(ctx)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}

	// The slot is held; another tick must not start the second task.
	engine.Tick(ctx)
	select {
	case prompt := <-started:
		t.Fatalf("second task started while slot was held: %s", prompt)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	waitForStatus(t, st, first.ID, store.BackgroundCompleted)
	engine.Tick(ctx)
	waitForStatus(t, st, second.ID, store.BackgroundCompleted)
}

func TestEngineOrphanReclaim(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	blocker := &store.BackgroundTask{Title: "blocker", Prompt: "never ready", WorkspaceID: "ws-1"}
	require.NoError(t, env.st.CreateBackgroundTask(ctx, blocker))
	blocker.Status = store.BackgroundRunning // keep it unclaimable as a dependency
	require.NoError(t, env.st.UpdateBackgroundTask(ctx, blocker))

	orphan := &store.BackgroundTask{
		Title: "orphan", Prompt: "p", WorkspaceID: "ws-1",
		DependsOnTaskIDs: []string{blocker.ID},
	}
	require.NoError(t, env.st.CreateBackgroundTask(ctx, orphan))
	orphan.Status = store.BackgroundRunning
	orphan.Attempts = 1
	orphan.StartedAt = &stale
	require.NoError(t, env.st.UpdateBackgroundTask(ctx, orphan))

	// Below max attempts: reclaimed to PENDING. The unmet dependency keeps
	// the claim loop from re-running it inside this tick.
	env.engine.Tick(ctx)
	got, err := env.st.GetBackgroundTask(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackgroundPending, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestEngineOrphanExhaustsAttempts(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	orphan := &store.BackgroundTask{Title: "orphan", Prompt: "p", WorkspaceID: "ws-1"}
	require.NoError(t, env.st.CreateBackgroundTask(ctx, orphan))
	orphan.Status = store.BackgroundRunning
	orphan.Attempts = orphan.MaxAttempts
	orphan.StartedAt = &stale
	require.NoError(t, env.st.UpdateBackgroundTask(ctx, orphan))

	env.engine.Tick(ctx)
	got, err := env.st.GetBackgroundTask(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackgroundFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "orphaned")
}

func TestEngineFreshRunningTaskLeftAlone(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	recent := time.Now().UTC().Add(-time.Minute)
	task := &store.BackgroundTask{Title: "fresh", Prompt: "p", WorkspaceID: "ws-1"}
	require.NoError(t, env.st.CreateBackgroundTask(ctx, task))
	task.Status = store.BackgroundRunning
	task.StartedAt = &recent
	require.NoError(t, env.st.UpdateBackgroundTask(ctx, task))

	env.engine.Tick(ctx)
	got, err := env.st.GetBackgroundTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackgroundRunning, got.Status)
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ws := &Workspace{Title: "Acme"}
	require.NoError(t, s.CreateWorkspace(ctx, ws))
	require.NotEmpty(t, ws.ID)
	assert.Equal(t, WorkspaceActive, ws.Status)

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Title)

	got.Title = "Acme v2"
	require.NoError(t, s.UpdateWorkspace(ctx, got))
	got, err = s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme v2", got.Title)

	_, err = s.GetWorkspace(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteWorkspaceCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ws := &Workspace{Title: "cascade"}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	agent := &Agent{Name: "routa", Role: RoleRouta, WorkspaceID: ws.ID}
	require.NoError(t, s.CreateAgent(ctx, agent))
	require.NoError(t, s.AppendMessage(ctx, &Message{AgentID: agent.ID, Role: MessageRoleUser, Content: "hi"}))
	require.NoError(t, s.CreateTask(ctx, &Task{Title: "t1", WorkspaceID: ws.ID}))
	require.NoError(t, s.CreateCodebase(ctx, &Codebase{WorkspaceID: ws.ID, RepoPath: "/repo"}))
	_, err := s.EnsureSpecNote(ctx, ws.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteWorkspace(ctx, ws.ID))

	agents, err := s.ListAgents(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)
	tasks, err := s.ListTasks(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	notes, err := s.ListNotes(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)
	msgs, err := s.ListMessages(ctx, agent.ID, ListMessagesOptions{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCodebaseInvariants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ws := &Workspace{Title: "ws"}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	first := &Codebase{WorkspaceID: ws.ID, RepoPath: "/a", IsDefault: true}
	require.NoError(t, s.CreateCodebase(ctx, first))

	dup := &Codebase{WorkspaceID: ws.ID, RepoPath: "/a"}
	assert.ErrorIs(t, s.CreateCodebase(ctx, dup), ErrDuplicate)

	second := &Codebase{WorkspaceID: ws.ID, RepoPath: "/b", IsDefault: true}
	require.NoError(t, s.CreateCodebase(ctx, second))

	list, err := s.ListCodebases(ctx, ws.ID)
	require.NoError(t, err)
	defaults := 0
	for _, cb := range list {
		if cb.IsDefault {
			defaults++
			assert.Equal(t, second.ID, cb.ID)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestAtomicUpdateTask(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{Title: "build", WorkspaceID: "ws-1"}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.Equal(t, 1, task.Version)

	updated, err := s.AtomicUpdateTask(ctx, task.ID, 1, func(t *Task) {
		t.Status = TaskInProgress
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, TaskInProgress, updated.Status)

	// Stale version loses.
	_, err = s.AtomicUpdateTask(ctx, task.ID, 1, func(t *Task) {
		t.Status = TaskCompleted
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, got.Status)
}

func TestCreateTasksAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tasks := []*Task{
		{Title: "a", WorkspaceID: "ws"},
		{Title: "b", WorkspaceID: "ws", ParallelGroup: "g1"},
		{Title: "c", WorkspaceID: "ws", ParallelGroup: "g1"},
	}
	require.NoError(t, s.CreateTasks(ctx, tasks))
	list, err := s.ListTasks(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestEnsureSpecNoteSingleton(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.EnsureSpecNote(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, SpecNoteID, first.ID)
	assert.Equal(t, NoteSpec, first.Metadata.Type)

	again, err := s.EnsureSpecNote(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	notes, err := s.ListNotes(ctx, "ws-1")
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	// Separate workspaces get separate spec notes.
	_, err = s.EnsureSpecNote(ctx, "ws-2")
	require.NoError(t, err)
}

func TestListMessagesLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			AgentID:   "agent-1",
			Role:      MessageRoleAssistant,
			Content:   string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.ListMessages(ctx, "agent-1", ListMessagesOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Most recent two, chronological order.
	assert.Equal(t, "d", msgs[0].Content)
	assert.Equal(t, "e", msgs[1].Content)
}

func TestClaimNextBackgroundTaskPriority(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	low := &BackgroundTask{Title: "low", Priority: PriorityLow}
	require.NoError(t, s.CreateBackgroundTask(ctx, low))
	normal := &BackgroundTask{Title: "normal"}
	require.NoError(t, s.CreateBackgroundTask(ctx, normal))
	high := &BackgroundTask{Title: "high", Priority: PriorityHigh}
	require.NoError(t, s.CreateBackgroundTask(ctx, high))

	now := time.Now().UTC()

	claimed, err := s.ClaimNextBackgroundTask(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "high", claimed.Title)
	assert.Equal(t, BackgroundRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.StartedAt)

	claimed, err = s.ClaimNextBackgroundTask(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "normal", claimed.Title)

	claimed, err = s.ClaimNextBackgroundTask(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "low", claimed.Title)

	claimed, err = s.ClaimNextBackgroundTask(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextBackgroundTaskDependencies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	dep := &BackgroundTask{Title: "dep"}
	require.NoError(t, s.CreateBackgroundTask(ctx, dep))
	blocked := &BackgroundTask{Title: "blocked", Priority: PriorityHigh, DependsOnTaskIDs: []string{dep.ID}}
	require.NoError(t, s.CreateBackgroundTask(ctx, blocked))

	now := time.Now().UTC()

	// Blocked task outranks dep but is not ready; dep is claimed first.
	claimed, err := s.ClaimNextBackgroundTask(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "dep", claimed.Title)

	// Dep running, nothing ready.
	claimed, err = s.ClaimNextBackgroundTask(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed2, err := s.GetBackgroundTask(ctx, dep.ID)
	require.NoError(t, err)
	claimed2.Status = BackgroundCompleted
	require.NoError(t, s.UpdateBackgroundTask(ctx, claimed2))

	claimed, err = s.ClaimNextBackgroundTask(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "blocked", claimed.Title)
}

func TestWorkflowRunTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := &WorkflowRun{WorkflowID: "wf-1", WorkflowName: "ship"}
	require.NoError(t, s.CreateWorkflowRun(ctx, run))

	run.Status = WorkflowRunCompleted
	require.NoError(t, s.UpdateWorkflowRun(ctx, run))

	run.Status = WorkflowRunRunning
	assert.ErrorIs(t, s.UpdateWorkflowRun(ctx, run), ErrTerminalWorkflowRun)
}

func TestAgentDelegationDepth(t *testing.T) {
	a := &Agent{}
	assert.Equal(t, 0, a.DelegationDepth())

	a.Metadata = map[string]string{MetaDelegationDepth: "2"}
	assert.Equal(t, 2, a.DelegationDepth())

	a.Metadata[MetaDelegationDepth] = "garbage"
	assert.Equal(t, 0, a.DelegationDepth())
}

func TestAppendSessionHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	session := &ACPSession{Provider: "claude", Cwd: "/repo", WorkspaceID: "ws"}
	require.NoError(t, s.CreateACPSession(ctx, session))

	require.NoError(t, s.AppendSessionHistory(ctx, session.ID, []byte(`{"type":"text"}`)))
	require.NoError(t, s.AppendSessionHistory(ctx, session.ID, []byte(`{"type":"tool"}`)))

	got, err := s.GetACPSession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, got.MessageHistory, 2)

	assert.ErrorIs(t, s.AppendSessionHistory(ctx, "missing", []byte(`{}`)), ErrNotFound)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-dev/routa/internal/acp"
	"github.com/routa-dev/routa/internal/bridge"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/session"
	"github.com/routa-dev/routa/internal/specialist"
	"github.com/routa-dev/routa/internal/store"
)

type promptCall struct {
	SessionID string
	Text      string
}

// fakeProvider is an in-process provider that records every prompt and can
// selectively fail or block on prompts containing a marker substring.
type fakeProvider struct {
	mu      sync.Mutex
	prompts map[string][]string
	calls   chan promptCall
	failOn  string
	blockOn string
	release chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prompts: make(map[string][]string),
		calls:   make(chan promptCall, 32),
		release: make(chan struct{}),
	}
}

func (f *fakeProvider) spec(name string) session.ProviderSpec {
	return session.ProviderSpec{
		Name:      name,
		Transport: bridge.TransportSDK,
		PromptFunc: func(ctx context.Context, sessionID, text string, emit func(acp.Notification)) error {
			f.mu.Lock()
			f.prompts[sessionID] = append(f.prompts[sessionID], text)
			failOn, blockOn := f.failOn, f.blockOn
			f.mu.Unlock()
			f.calls <- promptCall{SessionID: sessionID, Text: text}

			if failOn != "" && strings.Contains(text, failOn) {
				return errors.New("provider exploded")
			}
			if blockOn != "" && strings.Contains(text, blockOn) {
				select {
				case <-f.release:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			emit(acp.Notification{
				Method: acp.NotificationMethodUpdate,
				Params: json.RawMessage(`{"kind":"completed","stop_reason":"end_turn"}`),
			})
			return nil
		},
	}
}

type fixture struct {
	t        *testing.T
	st       store.Store
	mgr      *session.Manager
	orch     *Orchestrator
	provider *fakeProvider

	parentAgentID   string
	parentSessionID string
	task            *store.Task
}

func newFixture(t *testing.T, settle time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.Default()
	st := store.NewMemoryStore()
	br := bridge.New(log)
	provider := newFakeProvider()
	mgr := session.NewManager(st, br, []session.ProviderSpec{provider.spec("fake")}, "fake", log)
	reg := specialist.NewRegistry(st, "", "", log)

	orch := New(st, mgr, reg, nil, Config{
		DefaultProvider:  "fake",
		DefaultCwd:       "/repo",
		AutoReportSettle: settle,
	}, log)

	parent := &store.Agent{Name: "Routa", Role: store.RoleRouta, WorkspaceID: "ws-1", Status: store.AgentActive}
	require.NoError(t, st.CreateAgent(ctx, parent))

	parentSessionID, _, err := mgr.CreateSession(ctx, session.CreateSessionRequest{
		Cwd:         "/repo",
		WorkspaceID: "ws-1",
		AgentID:     parent.ID,
	})
	require.NoError(t, err)

	task := &store.Task{
		WorkspaceID: "ws-1",
		Title:       "Add hello",
		Objective:   "Add a hello endpoint",
	}
	require.NoError(t, st.CreateTask(ctx, task))

	return &fixture{
		t:               t,
		st:              st,
		mgr:             mgr,
		orch:            orch,
		provider:        provider,
		parentAgentID:   parent.ID,
		parentSessionID: parentSessionID,
		task:            task,
	}
}

func (f *fixture) delegate(req DelegateRequest) (*DelegateResult, error) {
	if req.TaskID == "" {
		req.TaskID = f.task.ID
	}
	if req.CallerAgentID == "" {
		req.CallerAgentID = f.parentAgentID
	}
	if req.CallerSessionID == "" {
		req.CallerSessionID = f.parentSessionID
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = "ws-1"
	}
	if req.Specialist == "" {
		req.Specialist = "CRAFTER"
	}
	return f.orch.DelegateTaskWithSpawn(context.Background(), req)
}

// waitPromptFor blocks until the provider receives a prompt for sessionID.
func (f *fixture) waitPromptFor(sessionID string) string {
	f.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case call := <-f.provider.calls:
			if call.SessionID == sessionID {
				return call.Text
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for prompt on session %s", sessionID)
			return ""
		}
	}
}

func TestDelegateSpawnsChildAndAssignsTask(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	res, err := f.delegate(DelegateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "crafter", res.Specialist)
	assert.Equal(t, "fake", res.Provider)
	assert.Equal(t, WaitImmediate, res.WaitMode)

	child, err := f.st.GetAgent(ctx, res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.RoleCrafter, child.Role)
	assert.Equal(t, 1, child.DelegationDepth())
	assert.Equal(t, f.parentAgentID, child.Metadata[store.MetaCreatedByAgentID])

	task, err := f.st.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, task.Status)
	assert.Equal(t, res.AgentID, task.AssignedTo)

	// The child's first prompt carries its task context.
	prompt := f.waitPromptFor(res.SessionID)
	assert.Contains(t, prompt, "Add hello")
	assert.Contains(t, prompt, "report_to_parent")
}

func TestDelegateReturnsBeforeChildCompletes(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.provider.blockOn = "Your Task"

	start := time.Now()
	res, err := f.delegate(DelegateRequest{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "delegation must not wait for the child's turn")

	// The child is blocked mid-turn; release it so the test can finish.
	f.waitPromptFor(res.SessionID)
	close(f.provider.release)
}

func TestReportWakesParentWithOutcome(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	res, err := f.delegate(DelegateRequest{})
	require.NoError(t, err)
	f.waitPromptFor(res.SessionID)

	require.NoError(t, f.orch.SubmitReport(ctx, res.AgentID, Report{
		TaskID:  f.task.ID,
		Summary: "implemented the endpoint",
		Success: true,
	}))

	wake := f.waitPromptFor(f.parentSessionID)
	assert.Contains(t, wake, `Task "Add hello" → COMPLETED`)
	assert.Contains(t, wake, "implemented the endpoint")

	child, err := f.st.GetAgent(ctx, res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, child.Status)

	task, err := f.st.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "implemented the endpoint", task.CompletionSummary)

	// A duplicate report is ignored: no second wake.
	require.NoError(t, f.orch.SubmitReport(ctx, res.AgentID, Report{TaskID: f.task.ID, Success: true}))
	select {
	case call := <-f.provider.calls:
		t.Fatalf("unexpected extra prompt on %s", call.SessionID)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFailedReportMarksNeedsFix(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	res, err := f.delegate(DelegateRequest{})
	require.NoError(t, err)
	f.waitPromptFor(res.SessionID)

	require.NoError(t, f.orch.SubmitReport(ctx, res.AgentID, Report{
		TaskID:  f.task.ID,
		Summary: "tests are red",
		Success: false,
	}))

	wake := f.waitPromptFor(f.parentSessionID)
	assert.Contains(t, wake, `Task "Add hello" → NEEDS_FIX`)

	child, err := f.st.GetAgent(ctx, res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentError, child.Status)

	task, err := f.st.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskNeedsFix, task.Status)
}

func TestAutoReportAfterSilentCompletion(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	res, err := f.delegate(DelegateRequest{})
	require.NoError(t, err)
	f.waitPromptFor(res.SessionID)

	// The child's turn resolves without report_to_parent; after the settle
	// delay the orchestrator synthesizes a success report.
	wake := f.waitPromptFor(f.parentSessionID)
	assert.Contains(t, wake, `Task "Add hello" → COMPLETED`)

	task, err := f.st.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, autoReportSummary, task.CompletionSummary)
}

func TestAfterAllGroupWakesOnce(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	task2 := &store.Task{WorkspaceID: "ws-1", Title: "Add tests", Objective: "Cover the endpoint"}
	require.NoError(t, f.st.CreateTask(ctx, task2))

	res1, err := f.delegate(DelegateRequest{WaitMode: WaitAfterAll})
	require.NoError(t, err)
	res2, err := f.delegate(DelegateRequest{TaskID: task2.ID, WaitMode: WaitAfterAll})
	require.NoError(t, err)
	f.waitPromptFor(res1.SessionID)
	f.waitPromptFor(res2.SessionID)

	require.NoError(t, f.orch.SubmitReport(ctx, res1.AgentID, Report{TaskID: f.task.ID, Summary: "done", Success: true}))

	// First completion must not wake the parent.
	select {
	case call := <-f.provider.calls:
		t.Fatalf("premature wake on %s", call.SessionID)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, f.orch.SubmitReport(ctx, res2.AgentID, Report{TaskID: task2.ID, Summary: "covered", Success: true}))

	wake := f.waitPromptFor(f.parentSessionID)
	assert.Contains(t, wake, "All 2 delegated agents have finished.")
	assert.Contains(t, wake, `Task "Add hello" → COMPLETED`)
	assert.Contains(t, wake, `Task "Add tests" → COMPLETED`)
}

func TestChildPromptFailureWakesParent(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.provider.failOn = "Add a hello endpoint"

	res, err := f.delegate(DelegateRequest{})
	require.NoError(t, err)

	wake := f.waitPromptFor(f.parentSessionID)
	assert.Contains(t, wake, `Task "Add hello" → NEEDS_FIX`)

	child, err := f.st.GetAgent(ctx, res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentError, child.Status)

	task, err := f.st.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskNeedsFix, task.Status)
	assert.Contains(t, task.CompletionSummary, "provider exploded")
}

func TestDepthGuard(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	deep := &store.Agent{
		Name: "deep", Role: store.RoleCrafter, WorkspaceID: "ws-1", Status: store.AgentActive,
		Metadata: map[string]string{store.MetaDelegationDepth: "2"},
	}
	require.NoError(t, f.st.CreateAgent(ctx, deep))

	_, err := f.delegate(DelegateRequest{CallerAgentID: deep.ID})
	require.Error(t, err)
	assert.Equal(t, CodeDepthExceeded, ErrorCode(err))
	assert.Equal(t,
		"Cannot create sub-agent: maximum delegation depth (2) reached. You are at depth 2. Please complete this task directly instead of delegating further.",
		err.Error())
}

func TestTaskNotFoundHints(t *testing.T) {
	f := newFixture(t, time.Hour)

	// UUID-shaped ids point at list_tasks.
	_, err := f.delegate(DelegateRequest{TaskID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427"})
	require.Error(t, err)
	assert.Equal(t, CodeTaskNotFound, ErrorCode(err))
	assert.Contains(t, err.Error(), "list_tasks")

	// Name-like ids get the name-vs-UUID hint.
	_, err = f.delegate(DelegateRequest{TaskID: "Add hello"})
	require.Error(t, err)
	assert.Equal(t, CodeTaskNotFound, ErrorCode(err))
	assert.Contains(t, err.Error(), "looks like a task name, not a UUID")
	assert.Contains(t, err.Error(), "convert_task_blocks")
}

func TestUnknownSpecialist(t *testing.T) {
	f := newFixture(t, time.Hour)
	_, err := f.delegate(DelegateRequest{Specialist: "WIZARD"})
	require.Error(t, err)
	assert.Equal(t, CodeUnknownSpecialist, ErrorCode(err))
}

func TestChildUpdatesForwardToParentStream(t *testing.T) {
	f := newFixture(t, time.Hour)

	var mu sync.Mutex
	var forwarded [][]byte
	f.orch.SetChildUpdateForwarder(func(parentSessionID string, payload []byte) {
		mu.Lock()
		forwarded = append(forwarded, payload)
		mu.Unlock()
	})

	res, err := f.delegate(DelegateRequest{})
	require.NoError(t, err)
	f.waitPromptFor(res.SessionID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(forwarded) > 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var envelope struct {
		SessionID      string          `json:"sessionId"`
		ChildAgentID   string          `json:"childAgentId"`
		ChildSessionID string          `json:"childSessionId"`
		Update         json.RawMessage `json:"update"`
	}
	require.NoError(t, json.Unmarshal(forwarded[0], &envelope))
	assert.Equal(t, f.parentSessionID, envelope.SessionID)
	assert.Equal(t, res.AgentID, envelope.ChildAgentID)
	assert.Equal(t, res.SessionID, envelope.ChildSessionID)
	assert.NotEmpty(t, envelope.Update)
}

func TestReportFileWatcher(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	dir := t.TempDir()

	res, err := f.delegate(DelegateRequest{Cwd: dir})
	require.NoError(t, err)
	f.waitPromptFor(res.SessionID)

	report := Report{TaskID: f.task.ID, Summary: "reported via file", Success: true}
	data, err := json.Marshal(report)
	require.NoError(t, err)
	path := filepath.Join(dir, ".report_to_parent_1.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	wake := f.waitPromptFor(f.parentSessionID)
	assert.Contains(t, wake, `Task "Add hello" → COMPLETED`)

	task, err := f.st.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, "reported via file", task.CompletionSummary)

	// The consumed file is deleted.
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(path)
		return os.IsNotExist(statErr)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCleanupKillsChildren(t *testing.T) {
	f := newFixture(t, time.Hour)

	res, err := f.delegate(DelegateRequest{})
	require.NoError(t, err)
	f.waitPromptFor(res.SessionID)
	require.NotNil(t, f.orch.ChildRecordFor(res.AgentID))

	f.orch.Cleanup(f.parentSessionID)

	assert.Nil(t, f.orch.ChildRecordFor(res.AgentID))
	assert.Nil(t, f.mgr.GetAdapter(res.SessionID))
}

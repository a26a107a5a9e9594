package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides in-memory storage for tests and development.
type MemoryStore struct {
	workspaces     map[string]*Workspace
	codebases      map[string]*Codebase
	agents         map[string]*Agent
	tasks          map[string]*Task
	notes          map[string]map[string]*Note // workspaceID -> noteID -> note
	messages       map[string][]*Message       // agentID -> ordered messages
	sessions       map[string]*ACPSession
	background     map[string]*BackgroundTask
	workflowRuns   map[string]*WorkflowRun
	webhookConfigs map[string]*WebhookConfig
	webhookLogs    []*WebhookTriggerLog
	skills         map[string]*Skill
	wsSkills       map[string][]string // workspaceID -> skillIDs
	specialists    map[string]*Specialist
	mu             sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:     make(map[string]*Workspace),
		codebases:      make(map[string]*Codebase),
		agents:         make(map[string]*Agent),
		tasks:          make(map[string]*Task),
		notes:          make(map[string]map[string]*Note),
		messages:       make(map[string][]*Message),
		sessions:       make(map[string]*ACPSession),
		background:     make(map[string]*BackgroundTask),
		workflowRuns:   make(map[string]*WorkflowRun),
		webhookConfigs: make(map[string]*WebhookConfig),
		skills:         make(map[string]*Skill),
		wsSkills:       make(map[string][]string),
		specialists:    make(map[string]*Specialist),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Workspace operations

func (s *MemoryStore) CreateWorkspace(ctx context.Context, workspace *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if workspace.ID == "" {
		workspace.ID = uuid.New().String()
	}
	if workspace.Status == "" {
		workspace.Status = WorkspaceActive
	}
	now := time.Now().UTC()
	workspace.CreatedAt = now
	workspace.UpdatedAt = now
	s.workspaces[workspace.ID] = workspace
	return nil
}

func (s *MemoryStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workspace, ok := s.workspaces[id]
	if !ok {
		return nil, NotFoundErr("workspace", id)
	}
	return workspace, nil
}

func (s *MemoryStore) UpdateWorkspace(ctx context.Context, workspace *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[workspace.ID]; !ok {
		return NotFoundErr("workspace", workspace.ID)
	}
	workspace.UpdatedAt = time.Now().UTC()
	s.workspaces[workspace.ID] = workspace
	return nil
}

func (s *MemoryStore) DeleteWorkspace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[id]; !ok {
		return NotFoundErr("workspace", id)
	}
	delete(s.workspaces, id)

	// Cascade.
	for cbID, cb := range s.codebases {
		if cb.WorkspaceID == id {
			delete(s.codebases, cbID)
		}
	}
	for agentID, agent := range s.agents {
		if agent.WorkspaceID == id {
			delete(s.agents, agentID)
			delete(s.messages, agentID)
		}
	}
	for taskID, task := range s.tasks {
		if task.WorkspaceID == id {
			delete(s.tasks, taskID)
		}
	}
	delete(s.notes, id)
	for sessionID, session := range s.sessions {
		if session.WorkspaceID == id {
			delete(s.sessions, sessionID)
		}
	}
	delete(s.wsSkills, id)
	return nil
}

func (s *MemoryStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Workspace, 0, len(s.workspaces))
	for _, workspace := range s.workspaces {
		result = append(result, workspace)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Codebase operations

func (s *MemoryStore) CreateCodebase(ctx context.Context, codebase *Codebase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if codebase.ID == "" {
		codebase.ID = uuid.New().String()
	}
	for _, existing := range s.codebases {
		if existing.WorkspaceID == codebase.WorkspaceID && existing.RepoPath == codebase.RepoPath {
			return DuplicateErr("codebase repo path", codebase.RepoPath)
		}
	}
	if codebase.IsDefault {
		s.clearDefaultCodebaseLocked(codebase.WorkspaceID)
	}
	s.codebases[codebase.ID] = codebase
	return nil
}

func (s *MemoryStore) GetCodebase(ctx context.Context, id string) (*Codebase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codebase, ok := s.codebases[id]
	if !ok {
		return nil, NotFoundErr("codebase", id)
	}
	return codebase, nil
}

func (s *MemoryStore) UpdateCodebase(ctx context.Context, codebase *Codebase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codebases[codebase.ID]; !ok {
		return NotFoundErr("codebase", codebase.ID)
	}
	if codebase.IsDefault {
		s.clearDefaultCodebaseLocked(codebase.WorkspaceID)
	}
	s.codebases[codebase.ID] = codebase
	return nil
}

func (s *MemoryStore) clearDefaultCodebaseLocked(workspaceID string) {
	for _, existing := range s.codebases {
		if existing.WorkspaceID == workspaceID && existing.IsDefault {
			existing.IsDefault = false
		}
	}
}

func (s *MemoryStore) DeleteCodebase(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codebases[id]; !ok {
		return NotFoundErr("codebase", id)
	}
	delete(s.codebases, id)
	return nil
}

func (s *MemoryStore) ListCodebases(ctx context.Context, workspaceID string) ([]*Codebase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Codebase
	for _, codebase := range s.codebases {
		if codebase.WorkspaceID == workspaceID {
			result = append(result, codebase)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RepoPath < result[j].RepoPath })
	return result, nil
}

// Agent operations

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Status == "" {
		agent.Status = AgentPending
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, NotFoundErr("agent", id)
	}
	return agent, nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; !ok {
		return NotFoundErr("agent", agent.ID)
	}
	agent.UpdatedAt = time.Now().UTC()
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return NotFoundErr("agent", id)
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return NotFoundErr("agent", id)
	}
	delete(s.agents, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Agent
	for _, agent := range s.agents {
		if workspaceID == "" || agent.WorkspaceID == workspaceID {
			result = append(result, agent)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListChildAgents(ctx context.Context, parentID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Agent
	for _, agent := range s.agents {
		if agent.ParentID == parentID {
			result = append(result, agent)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Task operations

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createTaskLocked(task)
	return nil
}

func (s *MemoryStore) CreateTasks(ctx context.Context, tasks []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		s.createTaskLocked(task)
	}
	return nil
}

func (s *MemoryStore) createTaskLocked(task *Task) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Version = 1
	s.tasks[task.ID] = cloneTask(task)
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, NotFoundErr("task", id)
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[task.ID]
	if !ok {
		return NotFoundErr("task", task.ID)
	}
	task.Version = stored.Version + 1
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) AtomicUpdateTask(ctx context.Context, id string, expectedVersion int, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[id]
	if !ok {
		return nil, NotFoundErr("task", id)
	}
	if stored.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	updated := cloneTask(stored)
	mutate(updated)
	updated.ID = id
	updated.Version = stored.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	s.tasks[id] = updated
	return cloneTask(updated), nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return NotFoundErr("task", id)
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, workspaceID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, task := range s.tasks {
		if workspaceID == "" || task.WorkspaceID == workspaceID {
			result = append(result, cloneTask(task))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.AcceptanceCriteria = append([]string(nil), task.AcceptanceCriteria...)
	clone.VerificationCommands = append([]string(nil), task.VerificationCommands...)
	clone.Dependencies = append([]string(nil), task.Dependencies...)
	return &clone
}

// Note operations

func (s *MemoryStore) CreateNote(ctx context.Context, note *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	workspaceNotes, ok := s.notes[note.WorkspaceID]
	if !ok {
		workspaceNotes = make(map[string]*Note)
		s.notes[note.WorkspaceID] = workspaceNotes
	}
	if _, exists := workspaceNotes[note.ID]; exists {
		return DuplicateErr("note", note.ID)
	}
	now := time.Now().UTC()
	note.CreatedAt = now
	note.UpdatedAt = now
	workspaceNotes[note.ID] = note
	return nil
}

func (s *MemoryStore) GetNote(ctx context.Context, workspaceID, id string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, ok := s.notes[workspaceID][id]
	if !ok {
		return nil, NotFoundErr("note", id)
	}
	return note, nil
}

func (s *MemoryStore) UpdateNote(ctx context.Context, note *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	workspaceNotes, ok := s.notes[note.WorkspaceID]
	if !ok {
		return NotFoundErr("note", note.ID)
	}
	if _, ok := workspaceNotes[note.ID]; !ok {
		return NotFoundErr("note", note.ID)
	}
	note.UpdatedAt = time.Now().UTC()
	workspaceNotes[note.ID] = note
	return nil
}

func (s *MemoryStore) DeleteNote(ctx context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notes[workspaceID][id]; !ok {
		return NotFoundErr("note", id)
	}
	delete(s.notes[workspaceID], id)
	return nil
}

func (s *MemoryStore) ListNotes(ctx context.Context, workspaceID string) ([]*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Note
	for _, note := range s.notes[workspaceID] {
		result = append(result, note)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) EnsureSpecNote(ctx context.Context, workspaceID string) (*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if note, ok := s.notes[workspaceID][SpecNoteID]; ok {
		return note, nil
	}
	note := &Note{
		ID:          SpecNoteID,
		WorkspaceID: workspaceID,
		Title:       "Specification",
		Metadata:    NoteMetadata{Type: NoteSpec},
	}
	now := time.Now().UTC()
	note.CreatedAt = now
	note.UpdatedAt = now
	if s.notes[workspaceID] == nil {
		s.notes[workspaceID] = make(map[string]*Note)
	}
	s.notes[workspaceID][SpecNoteID] = note
	return note, nil
}

// Message operations

func (s *MemoryStore) AppendMessage(ctx context.Context, message *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	s.messages[message.AgentID] = append(s.messages[message.AgentID], message)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, agentID string, opts ListMessagesOptions) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[agentID]
	result := append([]*Message(nil), messages...)
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[len(result)-opts.Limit:]
	}
	return result, nil
}

// ACP session operations

func (s *MemoryStore) CreateACPSession(ctx context.Context, session *ACPSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) GetACPSession(ctx context.Context, id string) (*ACPSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, NotFoundErr("acp session", id)
	}
	return session, nil
}

func (s *MemoryStore) UpdateACPSession(ctx context.Context, session *ACPSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return NotFoundErr("acp session", session.ID)
	}
	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) AppendSessionHistory(ctx context.Context, sessionID string, update json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return NotFoundErr("acp session", sessionID)
	}
	session.MessageHistory = append(session.MessageHistory, update)
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteACPSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return NotFoundErr("acp session", id)
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) ListACPSessions(ctx context.Context, workspaceID string) ([]*ACPSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ACPSession
	for _, session := range s.sessions {
		if workspaceID == "" || session.WorkspaceID == workspaceID {
			result = append(result, session)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Background task operations

func (s *MemoryStore) CreateBackgroundTask(ctx context.Context, task *BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createBackgroundTaskLocked(task)
	return nil
}

func (s *MemoryStore) CreateBackgroundTasks(ctx context.Context, tasks []*BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		s.createBackgroundTaskLocked(task)
	}
	return nil
}

func (s *MemoryStore) createBackgroundTaskLocked(task *BackgroundTask) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = BackgroundPending
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = 3
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	s.background[task.ID] = task
}

func (s *MemoryStore) GetBackgroundTask(ctx context.Context, id string) (*BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.background[id]
	if !ok {
		return nil, NotFoundErr("background task", id)
	}
	return task, nil
}

func (s *MemoryStore) UpdateBackgroundTask(ctx context.Context, task *BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.background[task.ID]; !ok {
		return NotFoundErr("background task", task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	s.background[task.ID] = task
	return nil
}

func (s *MemoryStore) ClaimNextBackgroundTask(ctx context.Context, now time.Time) (*BackgroundTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*BackgroundTask
	for _, task := range s.background {
		if task.Status != BackgroundPending {
			continue
		}
		if s.dependenciesSatisfiedLocked(task) {
			candidates = append(candidates, task)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() < candidates[j].Priority.Rank()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	claimed := candidates[0]
	claimed.Status = BackgroundRunning
	claimed.Attempts++
	startedAt := now.UTC()
	claimed.StartedAt = &startedAt
	claimed.UpdatedAt = startedAt
	return claimed, nil
}

func (s *MemoryStore) dependenciesSatisfiedLocked(task *BackgroundTask) bool {
	for _, depID := range task.DependsOnTaskIDs {
		dep, ok := s.background[depID]
		if !ok || dep.Status != BackgroundCompleted {
			return false
		}
	}
	return true
}

func (s *MemoryStore) ListBackgroundTasks(ctx context.Context, filter BackgroundTaskFilter) ([]*BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*BackgroundTask
	for _, task := range s.background {
		if filter.WorkspaceID != "" && task.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.WorkflowRunID != "" && task.WorkflowRunID != filter.WorkflowRunID {
			continue
		}
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Workflow run operations

func (s *MemoryStore) CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = WorkflowRunPending
	}
	if run.StepOutputs == nil {
		run.StepOutputs = make(map[string]string)
	}
	s.workflowRuns[run.ID] = run
	return nil
}

func (s *MemoryStore) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.workflowRuns[id]
	if !ok {
		return nil, NotFoundErr("workflow run", id)
	}
	return run, nil
}

func (s *MemoryStore) UpdateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.workflowRuns[run.ID]
	if !ok {
		return NotFoundErr("workflow run", run.ID)
	}
	if stored.Status.Terminal() {
		return ErrTerminalWorkflowRun
	}
	s.workflowRuns[run.ID] = run
	return nil
}

func (s *MemoryStore) ListWorkflowRuns(ctx context.Context, workspaceID string) ([]*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*WorkflowRun
	for _, run := range s.workflowRuns {
		if workspaceID == "" || run.WorkspaceID == workspaceID {
			result = append(result, run)
		}
	}
	return result, nil
}

// Webhook config and log operations

func (s *MemoryStore) CreateWebhookConfig(ctx context.Context, cfg *WebhookConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	s.webhookConfigs[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) GetWebhookConfig(ctx context.Context, id string) (*WebhookConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.webhookConfigs[id]
	if !ok {
		return nil, NotFoundErr("webhook config", id)
	}
	return cfg, nil
}

func (s *MemoryStore) UpdateWebhookConfig(ctx context.Context, cfg *WebhookConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.webhookConfigs[cfg.ID]; !ok {
		return NotFoundErr("webhook config", cfg.ID)
	}
	s.webhookConfigs[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) DeleteWebhookConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.webhookConfigs[id]; !ok {
		return NotFoundErr("webhook config", id)
	}
	delete(s.webhookConfigs, id)
	return nil
}

func (s *MemoryStore) ListWebhookConfigs(ctx context.Context) ([]*WebhookConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*WebhookConfig, 0, len(s.webhookConfigs))
	for _, cfg := range s.webhookConfigs {
		result = append(result, cfg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListEnabledWebhookConfigs(ctx context.Context) ([]*WebhookConfig, error) {
	all, err := s.ListWebhookConfigs(ctx)
	if err != nil {
		return nil, err
	}
	var result []*WebhookConfig
	for _, cfg := range all {
		if cfg.Enabled {
			result = append(result, cfg)
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendWebhookTriggerLog(ctx context.Context, log *WebhookTriggerLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	s.webhookLogs = append(s.webhookLogs, log)
	return nil
}

func (s *MemoryStore) ListWebhookTriggerLogs(ctx context.Context, configID string) ([]*WebhookTriggerLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*WebhookTriggerLog
	for _, log := range s.webhookLogs {
		if configID == "" || log.ConfigID == configID {
			result = append(result, log)
		}
	}
	return result, nil
}

// Skill operations

func (s *MemoryStore) CreateSkill(ctx context.Context, skill *Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if skill.ID == "" {
		skill.ID = uuid.New().String()
	}
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = time.Now().UTC()
	}
	s.skills[skill.ID] = skill
	return nil
}

func (s *MemoryStore) ListSkills(ctx context.Context) ([]*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Skill, 0, len(s.skills))
	for _, skill := range s.skills {
		result = append(result, skill)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) AssignSkillToWorkspace(ctx context.Context, workspaceID, skillID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.skills[skillID]; !ok {
		return NotFoundErr("skill", skillID)
	}
	for _, existing := range s.wsSkills[workspaceID] {
		if existing == skillID {
			return nil
		}
	}
	s.wsSkills[workspaceID] = append(s.wsSkills[workspaceID], skillID)
	return nil
}

func (s *MemoryStore) ListWorkspaceSkills(ctx context.Context, workspaceID string) ([]*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Skill
	for _, skillID := range s.wsSkills[workspaceID] {
		if skill, ok := s.skills[skillID]; ok {
			result = append(result, skill)
		}
	}
	return result, nil
}

// Specialist operations

func (s *MemoryStore) UpsertSpecialist(ctx context.Context, specialist *Specialist) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if specialist.ID == "" {
		specialist.ID = uuid.New().String()
	}
	specialist.Source = SpecialistSourceUser
	s.specialists[specialist.ID] = specialist
	return nil
}

func (s *MemoryStore) GetSpecialist(ctx context.Context, id string) (*Specialist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	specialist, ok := s.specialists[id]
	if !ok {
		return nil, NotFoundErr("specialist", id)
	}
	return specialist, nil
}

func (s *MemoryStore) ListSpecialists(ctx context.Context) ([]*Specialist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Specialist, 0, len(s.specialists))
	for _, specialist := range s.specialists {
		result = append(result, specialist)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) DeleteSpecialist(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.specialists[id]; !ok {
		return NotFoundErr("specialist", id)
	}
	delete(s.specialists, id)
	return nil
}

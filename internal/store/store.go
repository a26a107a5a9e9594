package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all backends. Callers discriminate with errors.Is.
var (
	// ErrNotFound is wrapped by all lookups that miss.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by AtomicUpdateTask when the expected
	// version no longer matches the stored row.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicate is returned when a uniqueness invariant would be violated
	// (codebase repo path per workspace, spec note singleton).
	ErrDuplicate = errors.New("duplicate")

	// ErrTerminalWorkflowRun is returned when updating a COMPLETED or FAILED
	// workflow run.
	ErrTerminalWorkflowRun = errors.New("workflow run is terminal")
)

// ListMessagesOptions controls conversation reads.
type ListMessagesOptions struct {
	Limit int // 0 means no limit
}

// BackgroundTaskFilter narrows background task listings.
type BackgroundTaskFilter struct {
	WorkspaceID   string
	Status        BackgroundTaskStatus
	WorkflowRunID string
}

// Store is the uniform persistence interface. Every backend (memory, SQLite,
// Postgres) implements the same shape and invariants.
type Store interface {
	// Workspace operations. DeleteWorkspace cascades to codebases, agents,
	// tasks, notes, sessions, and skills.
	CreateWorkspace(ctx context.Context, workspace *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	UpdateWorkspace(ctx context.Context, workspace *Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)

	// Codebase operations. CreateCodebase and UpdateCodebase enforce at most
	// one default codebase per workspace and unique repo paths.
	CreateCodebase(ctx context.Context, codebase *Codebase) error
	GetCodebase(ctx context.Context, id string) (*Codebase, error)
	UpdateCodebase(ctx context.Context, codebase *Codebase) error
	DeleteCodebase(ctx context.Context, id string) error
	ListCodebases(ctx context.Context, workspaceID string) ([]*Codebase, error)

	// Agent operations.
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error)
	ListChildAgents(ctx context.Context, parentID string) ([]*Agent, error)

	// Task operations. Every write bumps Version. AtomicUpdateTask applies
	// mutate iff the stored version equals expectedVersion, then increments.
	CreateTask(ctx context.Context, task *Task) error
	CreateTasks(ctx context.Context, tasks []*Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	AtomicUpdateTask(ctx context.Context, id string, expectedVersion int, mutate func(*Task)) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, workspaceID string) ([]*Task, error)

	// Note operations. Notes are keyed by (workspaceID, id). EnsureSpecNote
	// creates the singleton spec note if it does not exist.
	CreateNote(ctx context.Context, note *Note) error
	GetNote(ctx context.Context, workspaceID, id string) (*Note, error)
	UpdateNote(ctx context.Context, note *Note) error
	DeleteNote(ctx context.Context, workspaceID, id string) error
	ListNotes(ctx context.Context, workspaceID string) ([]*Note, error)
	EnsureSpecNote(ctx context.Context, workspaceID string) (*Note, error)

	// Message operations. Appends are ordered by timestamp per agent.
	AppendMessage(ctx context.Context, message *Message) error
	ListMessages(ctx context.Context, agentID string, opts ListMessagesOptions) ([]*Message, error)

	// ACP session operations.
	CreateACPSession(ctx context.Context, session *ACPSession) error
	GetACPSession(ctx context.Context, id string) (*ACPSession, error)
	UpdateACPSession(ctx context.Context, session *ACPSession) error
	AppendSessionHistory(ctx context.Context, sessionID string, update json.RawMessage) error
	DeleteACPSession(ctx context.Context, id string) error
	ListACPSessions(ctx context.Context, workspaceID string) ([]*ACPSession, error)

	// Background task operations. ClaimNextBackgroundTask atomically moves
	// the highest-priority ready task from PENDING to RUNNING and returns it;
	// it returns (nil, nil) when no task is ready.
	CreateBackgroundTask(ctx context.Context, task *BackgroundTask) error
	CreateBackgroundTasks(ctx context.Context, tasks []*BackgroundTask) error
	GetBackgroundTask(ctx context.Context, id string) (*BackgroundTask, error)
	UpdateBackgroundTask(ctx context.Context, task *BackgroundTask) error
	ClaimNextBackgroundTask(ctx context.Context, now time.Time) (*BackgroundTask, error)
	ListBackgroundTasks(ctx context.Context, filter BackgroundTaskFilter) ([]*BackgroundTask, error)

	// Workflow run operations. Updates against a terminal run fail.
	CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, run *WorkflowRun) error
	ListWorkflowRuns(ctx context.Context, workspaceID string) ([]*WorkflowRun, error)

	// Webhook configuration and audit log operations.
	CreateWebhookConfig(ctx context.Context, cfg *WebhookConfig) error
	GetWebhookConfig(ctx context.Context, id string) (*WebhookConfig, error)
	UpdateWebhookConfig(ctx context.Context, cfg *WebhookConfig) error
	DeleteWebhookConfig(ctx context.Context, id string) error
	ListWebhookConfigs(ctx context.Context) ([]*WebhookConfig, error)
	ListEnabledWebhookConfigs(ctx context.Context) ([]*WebhookConfig, error)
	AppendWebhookTriggerLog(ctx context.Context, log *WebhookTriggerLog) error
	ListWebhookTriggerLogs(ctx context.Context, configID string) ([]*WebhookTriggerLog, error)

	// Skill operations.
	CreateSkill(ctx context.Context, skill *Skill) error
	ListSkills(ctx context.Context) ([]*Skill, error)
	AssignSkillToWorkspace(ctx context.Context, workspaceID, skillID string) error
	ListWorkspaceSkills(ctx context.Context, workspaceID string) ([]*Skill, error)

	// Specialist operations (database-user layer of the resolution chain).
	UpsertSpecialist(ctx context.Context, specialist *Specialist) error
	GetSpecialist(ctx context.Context, id string) (*Specialist, error)
	ListSpecialists(ctx context.Context) ([]*Specialist, error)
	DeleteSpecialist(ctx context.Context, id string) error

	// Close closes the store (for database connections).
	Close() error
}

// NotFoundErr wraps ErrNotFound with an entity kind and id.
func NotFoundErr(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// DuplicateErr wraps ErrDuplicate with an entity kind and id.
func DuplicateErr(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrDuplicate)
}

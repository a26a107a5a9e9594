// Package store provides the persistence façade for Routa: shared entity
// models, a backend-agnostic Store interface, and in-memory and SQL backends.
package store

import (
	"encoding/json"
	"strconv"
	"time"
)

// WorkspaceStatus enumerates workspace lifecycle states.
type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "active"
	WorkspaceArchived WorkspaceStatus = "archived"
)

// Workspace is the root tenancy unit. Deleting a workspace cascades to
// codebases, agents, tasks, notes, sessions, and skills.
type Workspace struct {
	ID        string            `json:"id" db:"id"`
	Title     string            `json:"title" db:"title"`
	Status    WorkspaceStatus   `json:"status" db:"status"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// CodebaseSource enumerates where a codebase came from.
type CodebaseSource string

const (
	CodebaseSourceLocal  CodebaseSource = "local"
	CodebaseSourceGitHub CodebaseSource = "github"
)

// Codebase is a repository attached to a workspace. At most one codebase per
// workspace has IsDefault set; RepoPath is unique within a workspace.
type Codebase struct {
	ID          string         `json:"id" db:"id"`
	WorkspaceID string         `json:"workspace_id" db:"workspace_id"`
	RepoPath    string         `json:"repo_path" db:"repo_path"`
	Branch      string         `json:"branch,omitempty" db:"branch"`
	Label       string         `json:"label,omitempty" db:"label"`
	IsDefault   bool           `json:"is_default" db:"is_default"`
	SourceType  CodebaseSource `json:"source_type,omitempty" db:"source_type"`
	SourceURL   string         `json:"source_url,omitempty" db:"source_url"`
}

// AgentRole enumerates agent roles.
type AgentRole string

const (
	RoleRouta     AgentRole = "ROUTA"
	RoleCrafter   AgentRole = "CRAFTER"
	RoleGate      AgentRole = "GATE"
	RoleDeveloper AgentRole = "DEVELOPER"
)

// ModelTier enumerates model capability tiers.
type ModelTier string

const (
	TierFast     ModelTier = "FAST"
	TierBalanced ModelTier = "BALANCED"
	TierSmart    ModelTier = "SMART"
)

// AgentStatus enumerates agent lifecycle states.
type AgentStatus string

const (
	AgentPending   AgentStatus = "PENDING"
	AgentActive    AgentStatus = "ACTIVE"
	AgentCompleted AgentStatus = "COMPLETED"
	AgentError     AgentStatus = "ERROR"
)

// Agent metadata keys.
const (
	MetaDelegationDepth  = "delegationDepth"
	MetaCreatedByAgentID = "createdByAgentId"
	MetaSpecialist       = "specialist"
)

// Agent is a persisted agent record. Live adapter handles are never embedded
// here; the session manager owns those, keyed by session id.
type Agent struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Role        AgentRole         `json:"role" db:"role"`
	ModelTier   ModelTier         `json:"model_tier" db:"model_tier"`
	WorkspaceID string            `json:"workspace_id" db:"workspace_id"`
	ParentID    string            `json:"parent_id,omitempty" db:"parent_id"`
	Status      AgentStatus       `json:"status" db:"status"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// DelegationDepth reads the string-encoded delegation depth from metadata.
// Missing or malformed values count as depth 0.
func (a *Agent) DelegationDepth() int {
	if a.Metadata == nil {
		return 0
	}
	depth, err := strconv.Atoi(a.Metadata[MetaDelegationDepth])
	if err != nil || depth < 0 {
		return 0
	}
	return depth
}

// TaskStatus enumerates task states. Transitions are monotone through
// terminal states except NEEDS_FIX -> IN_PROGRESS.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskNeedsFix   TaskStatus = "NEEDS_FIX"
)

// VerificationVerdict enumerates verification outcomes reported by GATE agents.
type VerificationVerdict string

const (
	VerdictApproved    VerificationVerdict = "APPROVED"
	VerdictNotApproved VerificationVerdict = "NOT_APPROVED"
	VerdictBlocked     VerificationVerdict = "BLOCKED"
)

// Task is a unit of delegable work. Version increases on every write and
// backs optimistic concurrency via AtomicUpdateTask.
type Task struct {
	ID                   string              `json:"id" db:"id"`
	Title                string              `json:"title" db:"title"`
	Objective            string              `json:"objective" db:"objective"`
	Scope                string              `json:"scope,omitempty" db:"scope"`
	AcceptanceCriteria   []string            `json:"acceptance_criteria,omitempty" db:"-"`
	VerificationCommands []string            `json:"verification_commands,omitempty" db:"-"`
	AssignedTo           string              `json:"assigned_to,omitempty" db:"assigned_to"`
	Status               TaskStatus          `json:"status" db:"status"`
	Dependencies         []string            `json:"dependencies,omitempty" db:"-"`
	ParallelGroup        string              `json:"parallel_group,omitempty" db:"parallel_group"`
	WorkspaceID          string              `json:"workspace_id" db:"workspace_id"`
	SessionID            string              `json:"session_id,omitempty" db:"session_id"`
	CompletionSummary    string              `json:"completion_summary,omitempty" db:"completion_summary"`
	VerificationVerdict  VerificationVerdict `json:"verification_verdict,omitempty" db:"verification_verdict"`
	VerificationReport   string              `json:"verification_report,omitempty" db:"verification_report"`
	Version              int                 `json:"version" db:"version"`
	CreatedAt            time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at" db:"updated_at"`
}

// NoteType enumerates note kinds.
type NoteType string

const (
	NoteSpec    NoteType = "spec"
	NoteTask    NoteType = "task"
	NoteGeneral NoteType = "general"
)

// SpecNoteID is the fixed id of the singleton spec note per workspace.
const SpecNoteID = "spec"

// NoteMetadata is the free-form metadata attached to a note.
type NoteMetadata struct {
	Type             NoteType          `json:"type"`
	TaskStatus       string            `json:"task_status,omitempty"`
	AssignedAgentIDs []string          `json:"assigned_agent_ids,omitempty"`
	ParentNoteID     string            `json:"parent_note_id,omitempty"`
	LinkedTaskID     string            `json:"linked_task_id,omitempty"`
	Custom           map[string]string `json:"custom,omitempty"`
}

// Note is workspace-scoped shared context. Notes are keyed by
// (workspace_id, id); the "spec" note exists exactly once per workspace.
type Note struct {
	ID          string       `json:"id" db:"id"`
	WorkspaceID string       `json:"workspace_id" db:"workspace_id"`
	SessionID   string       `json:"session_id,omitempty" db:"session_id"`
	Title       string       `json:"title" db:"title"`
	Content     string       `json:"content" db:"content"`
	Metadata    NoteMetadata `json:"metadata" db:"-"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// MessageRole enumerates conversation roles.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// Message is one entry in an agent's append-only conversation history.
type Message struct {
	ID        string      `json:"id" db:"id"`
	AgentID   string      `json:"agent_id" db:"agent_id"`
	Role      MessageRole `json:"role" db:"role"`
	Content   string      `json:"content" db:"content"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
	ToolName  string      `json:"tool_name,omitempty" db:"tool_name"`
	ToolArgs  string      `json:"tool_args,omitempty" db:"tool_args"`
	Turn      int         `json:"turn,omitempty" db:"turn"`
}

// ACPSession is the persisted representation of an adapter session, used for
// cold-start recovery after the process loses its in-memory registry.
type ACPSession struct {
	ID              string            `json:"id" db:"id"`
	Name            string            `json:"name,omitempty" db:"name"`
	Cwd             string            `json:"cwd" db:"cwd"`
	WorkspaceID     string            `json:"workspace_id" db:"workspace_id"`
	RoutaAgentID    string            `json:"routa_agent_id,omitempty" db:"routa_agent_id"`
	Provider        string            `json:"provider" db:"provider"`
	Role            string            `json:"role,omitempty" db:"role"`
	ModeID          string            `json:"mode_id,omitempty" db:"mode_id"`
	Model           string            `json:"model,omitempty" db:"model"`
	FirstPromptSent bool              `json:"first_prompt_sent" db:"first_prompt_sent"`
	MessageHistory  []json.RawMessage `json:"message_history,omitempty" db:"-"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// BackgroundTaskStatus enumerates background task states.
type BackgroundTaskStatus string

const (
	BackgroundPending   BackgroundTaskStatus = "PENDING"
	BackgroundRunning   BackgroundTaskStatus = "RUNNING"
	BackgroundCompleted BackgroundTaskStatus = "COMPLETED"
	BackgroundFailed    BackgroundTaskStatus = "FAILED"
	BackgroundCancelled BackgroundTaskStatus = "CANCELLED"
)

// TriggerSource enumerates how a background task was created.
type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerSchedule TriggerSource = "schedule"
	TriggerWebhook  TriggerSource = "webhook"
	TriggerFleet    TriggerSource = "fleet"
	TriggerPolling  TriggerSource = "polling"
	TriggerWorkflow TriggerSource = "workflow"
)

// Priority enumerates background task priorities. Lower rank drains first.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Rank returns the scheduling rank for the priority (HIGH=0, NORMAL=1, LOW=2).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// BackgroundTask is a detached job processed by the background engine.
type BackgroundTask struct {
	ID               string               `json:"id" db:"id"`
	Title            string               `json:"title" db:"title"`
	Prompt           string               `json:"prompt" db:"prompt"`
	AgentID          string               `json:"agent_id" db:"agent_id"` // provider id
	WorkspaceID      string               `json:"workspace_id" db:"workspace_id"`
	Status           BackgroundTaskStatus `json:"status" db:"status"`
	TriggeredBy      string               `json:"triggered_by" db:"triggered_by"`
	TriggerSource    TriggerSource        `json:"trigger_source" db:"trigger_source"`
	Priority         Priority             `json:"priority" db:"priority"`
	ResultSessionID  string               `json:"result_session_id,omitempty" db:"result_session_id"`
	ErrorMessage     string               `json:"error_message,omitempty" db:"error_message"`
	Attempts         int                  `json:"attempts" db:"attempts"`
	MaxAttempts      int                  `json:"max_attempts" db:"max_attempts"`
	LastActivity     *time.Time           `json:"last_activity,omitempty" db:"last_activity"`
	CurrentActivity  string               `json:"current_activity,omitempty" db:"current_activity"`
	ToolCallCount    int                  `json:"tool_call_count" db:"tool_call_count"`
	InputTokens      int64                `json:"input_tokens" db:"input_tokens"`
	OutputTokens     int64                `json:"output_tokens" db:"output_tokens"`
	WorkflowRunID    string               `json:"workflow_run_id,omitempty" db:"workflow_run_id"`
	WorkflowStepName string               `json:"workflow_step_name,omitempty" db:"workflow_step_name"`
	DependsOnTaskIDs []string             `json:"depends_on_task_ids,omitempty" db:"-"`
	TaskOutput       string               `json:"task_output,omitempty" db:"task_output"`
	CreatedAt        time.Time            `json:"created_at" db:"created_at"`
	StartedAt        *time.Time           `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt        time.Time            `json:"updated_at" db:"updated_at"`
}

// WorkflowRunStatus enumerates workflow run states.
type WorkflowRunStatus string

const (
	WorkflowRunPending   WorkflowRunStatus = "PENDING"
	WorkflowRunRunning   WorkflowRunStatus = "RUNNING"
	WorkflowRunCompleted WorkflowRunStatus = "COMPLETED"
	WorkflowRunFailed    WorkflowRunStatus = "FAILED"
)

// Terminal reports whether the status forbids further mutation.
func (s WorkflowRunStatus) Terminal() bool {
	return s == WorkflowRunCompleted || s == WorkflowRunFailed
}

// WorkflowRun tracks one execution of a workflow definition.
type WorkflowRun struct {
	ID              string            `json:"id" db:"id"`
	WorkflowID      string            `json:"workflow_id" db:"workflow_id"`
	WorkflowName    string            `json:"workflow_name" db:"workflow_name"`
	WorkflowVersion string            `json:"workflow_version" db:"workflow_version"`
	WorkspaceID     string            `json:"workspace_id" db:"workspace_id"`
	Status          WorkflowRunStatus `json:"status" db:"status"`
	TriggerSource   TriggerSource     `json:"trigger_source" db:"trigger_source"`
	TriggerPayload  string            `json:"trigger_payload,omitempty" db:"trigger_payload"`
	CurrentStepName string            `json:"current_step_name,omitempty" db:"current_step_name"`
	StepOutputs     map[string]string `json:"step_outputs,omitempty" db:"-"`
	TotalSteps      int               `json:"total_steps" db:"total_steps"`
	CompletedSteps  int               `json:"completed_steps" db:"completed_steps"`
	StartedAt       *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage    string            `json:"error_message,omitempty" db:"error_message"`
}

// WebhookConfig describes one GitHub webhook subscription.
type WebhookConfig struct {
	ID             string   `json:"id" db:"id"`
	Repo           string   `json:"repo" db:"repo"` // "owner/name"
	EventTypes     []string `json:"event_types" db:"-"`
	LabelFilter    []string `json:"label_filter,omitempty" db:"-"`
	TriggerAgentID string   `json:"trigger_agent_id" db:"trigger_agent_id"`
	WorkspaceID    string   `json:"workspace_id,omitempty" db:"workspace_id"`
	WebhookSecret  string   `json:"webhook_secret" db:"webhook_secret"`
	GithubToken    string   `json:"github_token" db:"github_token"`
	PromptTemplate string   `json:"prompt_template,omitempty" db:"prompt_template"`
	Enabled        bool     `json:"enabled" db:"enabled"`
}

// TriggerOutcome enumerates webhook trigger log outcomes.
type TriggerOutcome string

const (
	OutcomeTriggered TriggerOutcome = "triggered"
	OutcomeSkipped   TriggerOutcome = "skipped"
	OutcomeError     TriggerOutcome = "error"
)

// WebhookTriggerLog is an audit row for one webhook delivery evaluation.
type WebhookTriggerLog struct {
	ID               string         `json:"id" db:"id"`
	ConfigID         string         `json:"config_id" db:"config_id"`
	EventType        string         `json:"event_type" db:"event_type"`
	EventAction      string         `json:"event_action,omitempty" db:"event_action"`
	Payload          string         `json:"payload,omitempty" db:"payload"`
	BackgroundTaskID string         `json:"background_task_id,omitempty" db:"background_task_id"`
	SignatureValid   bool           `json:"signature_valid" db:"signature_valid"`
	Outcome          TriggerOutcome `json:"outcome" db:"outcome"`
	ErrorMessage     string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// Skill is reusable prompt material that can be attached to workspaces.
type Skill struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Content     string    `json:"content" db:"content"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SpecialistSource enumerates where a specialist definition came from.
// Resolution priority: user > bundled > hardcoded.
type SpecialistSource string

const (
	SpecialistSourceUser      SpecialistSource = "user"
	SpecialistSourceBundled   SpecialistSource = "bundled"
	SpecialistSourceHardcoded SpecialistSource = "hardcoded"
)

// Specialist is a named agent template used by the delegation orchestrator.
type Specialist struct {
	ID               string           `json:"id" db:"id"`
	Name             string           `json:"name" db:"name"`
	Description      string           `json:"description,omitempty" db:"description"`
	Role             AgentRole        `json:"role" db:"role"`
	DefaultModelTier ModelTier        `json:"default_model_tier" db:"default_model_tier"`
	SystemPrompt     string           `json:"system_prompt" db:"system_prompt"`
	RoleReminder     string           `json:"role_reminder,omitempty" db:"role_reminder"`
	Model            string           `json:"model,omitempty" db:"model"`
	Enabled          bool             `json:"enabled" db:"enabled"`
	Source           SpecialistSource `json:"source" db:"source"`
}

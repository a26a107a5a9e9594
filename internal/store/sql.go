package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/routa-dev/routa/internal/db"
	"github.com/routa-dev/routa/internal/db/dialect"
)

// SQLStore provides SQL-backed storage over a db.Pool. The same queries run
// on SQLite (sqlite3) and PostgreSQL (pgx) via the dialect helpers.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQL store and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool, driver: pool.DriverName()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.pool.Close() }

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS codebases (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		source_type TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL DEFAULT '',
		UNIQUE(workspace_id, repo_path)
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		model_tier TEXT NOT NULL DEFAULT 'BALANCED',
		workspace_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		objective TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		verification_commands TEXT NOT NULL DEFAULT '[]',
		assigned_to TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		dependencies TEXT NOT NULL DEFAULT '[]',
		parallel_group TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		completion_summary TEXT NOT NULL DEFAULT '',
		verification_verdict TEXT NOT NULL DEFAULT '',
		verification_report TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notes (
		workspace_id TEXT NOT NULL,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_args TEXT NOT NULL DEFAULT '',
		turn INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, timestamp);

	CREATE TABLE IF NOT EXISTS acp_sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		routa_agent_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		mode_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		first_prompt_sent INTEGER NOT NULL DEFAULT 0,
		message_history TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS background_tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		triggered_by TEXT NOT NULL DEFAULT '',
		trigger_source TEXT NOT NULL DEFAULT 'manual',
		priority TEXT NOT NULL DEFAULT 'NORMAL',
		result_session_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_activity TIMESTAMP,
		current_activity TEXT NOT NULL DEFAULT '',
		tool_call_count INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		workflow_run_id TEXT NOT NULL DEFAULT '',
		workflow_step_name TEXT NOT NULL DEFAULT '',
		depends_on_task_ids TEXT NOT NULL DEFAULT '[]',
		task_output TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_background_tasks_status ON background_tasks(status, priority, created_at);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_name TEXT NOT NULL DEFAULT '',
		workflow_version TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		trigger_source TEXT NOT NULL DEFAULT 'manual',
		trigger_payload TEXT NOT NULL DEFAULT '',
		current_step_name TEXT NOT NULL DEFAULT '',
		step_outputs TEXT NOT NULL DEFAULT '{}',
		total_steps INTEGER NOT NULL DEFAULT 0,
		completed_steps INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS webhook_configs (
		id TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		event_types TEXT NOT NULL DEFAULT '[]',
		label_filter TEXT NOT NULL DEFAULT '[]',
		trigger_agent_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		webhook_secret TEXT NOT NULL DEFAULT '',
		github_token TEXT NOT NULL DEFAULT '',
		prompt_template TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS webhook_trigger_logs (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_action TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		background_task_id TEXT NOT NULL DEFAULT '',
		signature_valid INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skills (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_skills (
		workspace_id TEXT NOT NULL,
		skill_id TEXT NOT NULL,
		PRIMARY KEY (workspace_id, skill_id)
	);

	CREATE TABLE IF NOT EXISTS specialists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		default_model_tier TEXT NOT NULL DEFAULT 'BALANCED',
		system_prompt TEXT NOT NULL DEFAULT '',
		role_reminder TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		source TEXT NOT NULL DEFAULT 'user'
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

func (s *SQLStore) rebind(query string) string {
	return dialect.Rebind(s.driver, query)
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" || data == "null" || data == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalStringMap(data string) map[string]string {
	if data == "" || data == "null" || data == "{}" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

// Workspace operations

func (s *SQLStore) CreateWorkspace(ctx context.Context, workspace *Workspace) error {
	if workspace.ID == "" {
		workspace.ID = uuid.New().String()
	}
	if workspace.Status == "" {
		workspace.Status = WorkspaceActive
	}
	now := time.Now().UTC()
	workspace.CreatedAt = now
	workspace.UpdatedAt = now

	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO workspaces (id, title, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		workspace.ID, workspace.Title, workspace.Status, marshalJSON(workspace.Metadata),
		workspace.CreatedAt, workspace.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

type workspaceRow struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	Status    string    `db:"status"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r workspaceRow) toModel() *Workspace {
	return &Workspace{
		ID:        r.ID,
		Title:     r.Title,
		Status:    WorkspaceStatus(r.Status),
		Metadata:  unmarshalStringMap(r.Metadata),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var row workspaceRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM workspaces WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateWorkspace(ctx context.Context, workspace *Workspace) error {
	workspace.UpdatedAt = time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE workspaces SET title = ?, status = ?, metadata = ?, updated_at = ?
		WHERE id = ?`),
		workspace.Title, workspace.Status, marshalJSON(workspace.Metadata),
		workspace.UpdatedAt, workspace.ID)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}
	return requireRow(res, "workspace", workspace.ID)
}

func (s *SQLStore) DeleteWorkspace(ctx context.Context, id string) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	if err := requireRow(res, "workspace", id); err != nil {
		return err
	}

	// Cascade. Messages go with their agents.
	cascades := []string{
		`DELETE FROM messages WHERE agent_id IN (SELECT id FROM agents WHERE workspace_id = ?)`,
		`DELETE FROM codebases WHERE workspace_id = ?`,
		`DELETE FROM agents WHERE workspace_id = ?`,
		`DELETE FROM tasks WHERE workspace_id = ?`,
		`DELETE FROM notes WHERE workspace_id = ?`,
		`DELETE FROM acp_sessions WHERE workspace_id = ?`,
		`DELETE FROM workspace_skills WHERE workspace_id = ?`,
	}
	for _, q := range cascades {
		if _, err := tx.ExecContext(ctx, s.rebind(q), id); err != nil {
			return fmt.Errorf("failed to cascade workspace delete: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	var rows []workspaceRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	result := make([]*Workspace, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// Codebase operations

func (s *SQLStore) CreateCodebase(ctx context.Context, codebase *Codebase) error {
	if codebase.ID == "" {
		codebase.ID = uuid.New().String()
	}
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM codebases WHERE workspace_id = ? AND repo_path = ?`),
		codebase.WorkspaceID, codebase.RepoPath)
	if err != nil {
		return fmt.Errorf("failed to check codebase uniqueness: %w", err)
	}
	if count > 0 {
		return DuplicateErr("codebase repo path", codebase.RepoPath)
	}
	if codebase.IsDefault {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE codebases SET is_default = 0 WHERE workspace_id = ?`), codebase.WorkspaceID); err != nil {
			return fmt.Errorf("failed to clear default codebase: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO codebases (id, workspace_id, repo_path, branch, label, is_default, source_type, source_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		codebase.ID, codebase.WorkspaceID, codebase.RepoPath, codebase.Branch, codebase.Label,
		dialect.BoolToInt(codebase.IsDefault), codebase.SourceType, codebase.SourceURL)
	if err != nil {
		return fmt.Errorf("failed to create codebase: %w", err)
	}
	return tx.Commit()
}

type codebaseRow struct {
	ID          string `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	RepoPath    string `db:"repo_path"`
	Branch      string `db:"branch"`
	Label       string `db:"label"`
	IsDefault   int    `db:"is_default"`
	SourceType  string `db:"source_type"`
	SourceURL   string `db:"source_url"`
}

func (r codebaseRow) toModel() *Codebase {
	return &Codebase{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		RepoPath:    r.RepoPath,
		Branch:      r.Branch,
		Label:       r.Label,
		IsDefault:   r.IsDefault != 0,
		SourceType:  CodebaseSource(r.SourceType),
		SourceURL:   r.SourceURL,
	}
}

func (s *SQLStore) GetCodebase(ctx context.Context, id string) (*Codebase, error) {
	var row codebaseRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM codebases WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("codebase", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get codebase: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateCodebase(ctx context.Context, codebase *Codebase) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if codebase.IsDefault {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE codebases SET is_default = 0 WHERE workspace_id = ? AND id != ?`),
			codebase.WorkspaceID, codebase.ID); err != nil {
			return fmt.Errorf("failed to clear default codebase: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE codebases SET repo_path = ?, branch = ?, label = ?, is_default = ?, source_type = ?, source_url = ?
		WHERE id = ?`),
		codebase.RepoPath, codebase.Branch, codebase.Label, dialect.BoolToInt(codebase.IsDefault),
		codebase.SourceType, codebase.SourceURL, codebase.ID)
	if err != nil {
		return fmt.Errorf("failed to update codebase: %w", err)
	}
	if err := requireRow(res, "codebase", codebase.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteCodebase(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`DELETE FROM codebases WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete codebase: %w", err)
	}
	return requireRow(res, "codebase", id)
}

func (s *SQLStore) ListCodebases(ctx context.Context, workspaceID string) ([]*Codebase, error) {
	var rows []codebaseRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		s.rebind(`SELECT * FROM codebases WHERE workspace_id = ? ORDER BY repo_path`), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list codebases: %w", err)
	}
	result := make([]*Codebase, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// Agent operations

func (s *SQLStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Status == "" {
		agent.Status = AgentPending
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO agents (id, name, role, model_tier, workspace_id, parent_id, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		agent.ID, agent.Name, agent.Role, agent.ModelTier, agent.WorkspaceID, agent.ParentID,
		agent.Status, marshalJSON(agent.Metadata), agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

type agentRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Role        string    `db:"role"`
	ModelTier   string    `db:"model_tier"`
	WorkspaceID string    `db:"workspace_id"`
	ParentID    string    `db:"parent_id"`
	Status      string    `db:"status"`
	Metadata    string    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r agentRow) toModel() *Agent {
	return &Agent{
		ID:          r.ID,
		Name:        r.Name,
		Role:        AgentRole(r.Role),
		ModelTier:   ModelTier(r.ModelTier),
		WorkspaceID: r.WorkspaceID,
		ParentID:    r.ParentID,
		Status:      AgentStatus(r.Status),
		Metadata:    unmarshalStringMap(r.Metadata),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var row agentRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE agents SET name = ?, role = ?, model_tier = ?, parent_id = ?, status = ?, metadata = ?, updated_at = ?
		WHERE id = ?`),
		agent.Name, agent.Role, agent.ModelTier, agent.ParentID, agent.Status,
		marshalJSON(agent.Metadata), agent.UpdatedAt, agent.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireRow(res, "agent", agent.ID)
}

func (s *SQLStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return requireRow(res, "agent", id)
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if err := requireRow(res, "agent", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE agent_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete agent messages: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error) {
	var rows []agentRow
	var err error
	if workspaceID == "" {
		err = s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY created_at`)
	} else {
		err = s.pool.Reader().SelectContext(ctx, &rows,
			s.rebind(`SELECT * FROM agents WHERE workspace_id = ? ORDER BY created_at`), workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	result := make([]*Agent, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

func (s *SQLStore) ListChildAgents(ctx context.Context, parentID string) ([]*Agent, error) {
	var rows []agentRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		s.rebind(`SELECT * FROM agents WHERE parent_id = ? ORDER BY created_at`), parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child agents: %w", err)
	}
	result := make([]*Agent, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// Task operations

func (s *SQLStore) CreateTask(ctx context.Context, task *Task) error {
	return s.CreateTasks(ctx, []*Task{task})
}

func (s *SQLStore) CreateTasks(ctx context.Context, tasks []*Task) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, task := range tasks {
		if err := s.insertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) insertTask(ctx context.Context, tx *sqlx.Tx, task *Task) error {
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

	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (id, title, objective, scope, acceptance_criteria, verification_commands,
			assigned_to, status, dependencies, parallel_group, workspace_id, session_id,
			completion_summary, verification_verdict, verification_report, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.Title, task.Objective, task.Scope,
		marshalJSON(task.AcceptanceCriteria), marshalJSON(task.VerificationCommands),
		task.AssignedTo, task.Status, marshalJSON(task.Dependencies), task.ParallelGroup,
		task.WorkspaceID, task.SessionID, task.CompletionSummary, task.VerificationVerdict,
		task.VerificationReport, task.Version, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

type taskRow struct {
	ID                   string    `db:"id"`
	Title                string    `db:"title"`
	Objective            string    `db:"objective"`
	Scope                string    `db:"scope"`
	AcceptanceCriteria   string    `db:"acceptance_criteria"`
	VerificationCommands string    `db:"verification_commands"`
	AssignedTo           string    `db:"assigned_to"`
	Status               string    `db:"status"`
	Dependencies         string    `db:"dependencies"`
	ParallelGroup        string    `db:"parallel_group"`
	WorkspaceID          string    `db:"workspace_id"`
	SessionID            string    `db:"session_id"`
	CompletionSummary    string    `db:"completion_summary"`
	VerificationVerdict  string    `db:"verification_verdict"`
	VerificationReport   string    `db:"verification_report"`
	Version              int       `db:"version"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r taskRow) toModel() *Task {
	return &Task{
		ID:                   r.ID,
		Title:                r.Title,
		Objective:            r.Objective,
		Scope:                r.Scope,
		AcceptanceCriteria:   unmarshalStrings(r.AcceptanceCriteria),
		VerificationCommands: unmarshalStrings(r.VerificationCommands),
		AssignedTo:           r.AssignedTo,
		Status:               TaskStatus(r.Status),
		Dependencies:         unmarshalStrings(r.Dependencies),
		ParallelGroup:        r.ParallelGroup,
		WorkspaceID:          r.WorkspaceID,
		SessionID:            r.SessionID,
		CompletionSummary:    r.CompletionSummary,
		VerificationVerdict:  VerificationVerdict(r.VerificationVerdict),
		VerificationReport:   r.VerificationReport,
		Version:              r.Version,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var row taskRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE tasks SET title = ?, objective = ?, scope = ?, acceptance_criteria = ?,
			verification_commands = ?, assigned_to = ?, status = ?, dependencies = ?,
			parallel_group = ?, session_id = ?, completion_summary = ?,
			verification_verdict = ?, verification_report = ?,
			version = version + 1, updated_at = ?
		WHERE id = ?`),
		task.Title, task.Objective, task.Scope, marshalJSON(task.AcceptanceCriteria),
		marshalJSON(task.VerificationCommands), task.AssignedTo, task.Status,
		marshalJSON(task.Dependencies), task.ParallelGroup, task.SessionID,
		task.CompletionSummary, task.VerificationVerdict, task.VerificationReport,
		task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if err := requireRow(res, "task", task.ID); err != nil {
		return err
	}
	task.Version++
	return nil
}

func (s *SQLStore) AtomicUpdateTask(ctx context.Context, id string, expectedVersion int, mutate func(*Task)) (*Task, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row taskRow
	err = tx.GetContext(ctx, &row, s.rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	if row.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	task := row.toModel()
	mutate(task)
	task.ID = id
	task.Version = expectedVersion + 1
	task.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET title = ?, objective = ?, scope = ?, acceptance_criteria = ?,
			verification_commands = ?, assigned_to = ?, status = ?, dependencies = ?,
			parallel_group = ?, session_id = ?, completion_summary = ?,
			verification_verdict = ?, verification_report = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`),
		task.Title, task.Objective, task.Scope, marshalJSON(task.AcceptanceCriteria),
		marshalJSON(task.VerificationCommands), task.AssignedTo, task.Status,
		marshalJSON(task.Dependencies), task.ParallelGroup, task.SessionID,
		task.CompletionSummary, task.VerificationVerdict, task.VerificationReport,
		task.Version, task.UpdatedAt, id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update: %w", err)
	}
	if affected == 0 {
		return nil, ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return task, nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireRow(res, "task", id)
}

func (s *SQLStore) ListTasks(ctx context.Context, workspaceID string) ([]*Task, error) {
	var rows []taskRow
	var err error
	if workspaceID == "" {
		err = s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM tasks ORDER BY created_at`)
	} else {
		err = s.pool.Reader().SelectContext(ctx, &rows,
			s.rebind(`SELECT * FROM tasks WHERE workspace_id = ? ORDER BY created_at`), workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	result := make([]*Task, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// requireRow converts a zero-row update/delete into ErrNotFound.
func requireRow(res sql.Result, kind, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return NotFoundErr(kind, id)
	}
	return nil
}

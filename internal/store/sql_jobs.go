package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Background task operations

func (s *SQLStore) CreateBackgroundTask(ctx context.Context, task *BackgroundTask) error {
	return s.CreateBackgroundTasks(ctx, []*BackgroundTask{task})
}

func (s *SQLStore) CreateBackgroundTasks(ctx context.Context, tasks []*BackgroundTask) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, task := range tasks {
		if err := s.insertBackgroundTask(ctx, tx, task); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) insertBackgroundTask(ctx context.Context, tx *sqlx.Tx, task *BackgroundTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = BackgroundPending
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}
	if task.TriggerSource == "" {
		task.TriggerSource = TriggerManual
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = 3
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO background_tasks (id, title, prompt, agent_id, workspace_id, status,
			triggered_by, trigger_source, priority, result_session_id, error_message,
			attempts, max_attempts, last_activity, current_activity, tool_call_count,
			input_tokens, output_tokens, workflow_run_id, workflow_step_name,
			depends_on_task_ids, task_output, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.Title, task.Prompt, task.AgentID, task.WorkspaceID, task.Status,
		task.TriggeredBy, task.TriggerSource, task.Priority, task.ResultSessionID,
		task.ErrorMessage, task.Attempts, task.MaxAttempts, task.LastActivity,
		task.CurrentActivity, task.ToolCallCount, task.InputTokens, task.OutputTokens,
		task.WorkflowRunID, task.WorkflowStepName, marshalJSON(task.DependsOnTaskIDs),
		task.TaskOutput, task.CreatedAt, task.StartedAt, task.CompletedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create background task: %w", err)
	}
	return nil
}

type backgroundTaskRow struct {
	ID               string     `db:"id"`
	Title            string     `db:"title"`
	Prompt           string     `db:"prompt"`
	AgentID          string     `db:"agent_id"`
	WorkspaceID      string     `db:"workspace_id"`
	Status           string     `db:"status"`
	TriggeredBy      string     `db:"triggered_by"`
	TriggerSource    string     `db:"trigger_source"`
	Priority         string     `db:"priority"`
	ResultSessionID  string     `db:"result_session_id"`
	ErrorMessage     string     `db:"error_message"`
	Attempts         int        `db:"attempts"`
	MaxAttempts      int        `db:"max_attempts"`
	LastActivity     *time.Time `db:"last_activity"`
	CurrentActivity  string     `db:"current_activity"`
	ToolCallCount    int        `db:"tool_call_count"`
	InputTokens      int64      `db:"input_tokens"`
	OutputTokens     int64      `db:"output_tokens"`
	WorkflowRunID    string     `db:"workflow_run_id"`
	WorkflowStepName string     `db:"workflow_step_name"`
	DependsOnTaskIDs string     `db:"depends_on_task_ids"`
	TaskOutput       string     `db:"task_output"`
	CreatedAt        time.Time  `db:"created_at"`
	StartedAt        *time.Time `db:"started_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r backgroundTaskRow) toModel() *BackgroundTask {
	return &BackgroundTask{
		ID:               r.ID,
		Title:            r.Title,
		Prompt:           r.Prompt,
		AgentID:          r.AgentID,
		WorkspaceID:      r.WorkspaceID,
		Status:           BackgroundTaskStatus(r.Status),
		TriggeredBy:      r.TriggeredBy,
		TriggerSource:    TriggerSource(r.TriggerSource),
		Priority:         Priority(r.Priority),
		ResultSessionID:  r.ResultSessionID,
		ErrorMessage:     r.ErrorMessage,
		Attempts:         r.Attempts,
		MaxAttempts:      r.MaxAttempts,
		LastActivity:     r.LastActivity,
		CurrentActivity:  r.CurrentActivity,
		ToolCallCount:    r.ToolCallCount,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		WorkflowRunID:    r.WorkflowRunID,
		WorkflowStepName: r.WorkflowStepName,
		DependsOnTaskIDs: unmarshalStrings(r.DependsOnTaskIDs),
		TaskOutput:       r.TaskOutput,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (s *SQLStore) GetBackgroundTask(ctx context.Context, id string) (*BackgroundTask, error) {
	var row backgroundTaskRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM background_tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("background task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get background task: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateBackgroundTask(ctx context.Context, task *BackgroundTask) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE background_tasks SET title = ?, prompt = ?, agent_id = ?, workspace_id = ?,
			status = ?, triggered_by = ?, trigger_source = ?, priority = ?,
			result_session_id = ?, error_message = ?, attempts = ?, max_attempts = ?,
			last_activity = ?, current_activity = ?, tool_call_count = ?,
			input_tokens = ?, output_tokens = ?, workflow_run_id = ?, workflow_step_name = ?,
			depends_on_task_ids = ?, task_output = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`),
		task.Title, task.Prompt, task.AgentID, task.WorkspaceID, task.Status,
		task.TriggeredBy, task.TriggerSource, task.Priority, task.ResultSessionID,
		task.ErrorMessage, task.Attempts, task.MaxAttempts, task.LastActivity,
		task.CurrentActivity, task.ToolCallCount, task.InputTokens, task.OutputTokens,
		task.WorkflowRunID, task.WorkflowStepName, marshalJSON(task.DependsOnTaskIDs),
		task.TaskOutput, task.StartedAt, task.CompletedAt, task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update background task: %w", err)
	}
	return requireRow(res, "background task", task.ID)
}

func (s *SQLStore) ClaimNextBackgroundTask(ctx context.Context, now time.Time) (*BackgroundTask, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rows []backgroundTaskRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT * FROM background_tasks
		WHERE status = 'PENDING'
		ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'LOW' THEN 2 ELSE 1 END, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending tasks: %w", err)
	}

	for _, row := range rows {
		candidate := row.toModel()
		ready, err := dependenciesSatisfiedTx(ctx, tx, s, candidate)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		started := now.UTC()
		candidate.Status = BackgroundRunning
		candidate.Attempts++
		candidate.StartedAt = &started
		candidate.UpdatedAt = started

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE background_tasks SET status = ?, attempts = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = 'PENDING'`),
			candidate.Status, candidate.Attempts, candidate.StartedAt, candidate.UpdatedAt, candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim background task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check claim: %w", err)
		}
		if affected == 0 {
			continue
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit claim: %w", err)
		}
		return candidate, nil
	}
	return nil, nil
}

func dependenciesSatisfiedTx(ctx context.Context, tx *sqlx.Tx, s *SQLStore, task *BackgroundTask) (bool, error) {
	for _, depID := range task.DependsOnTaskIDs {
		var status string
		err := tx.GetContext(ctx, &status, s.rebind(
			`SELECT status FROM background_tasks WHERE id = ?`), depID)
		if errors.Is(err, sql.ErrNoRows) {
			// Missing dependency blocks the task.
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check dependency %s: %w", depID, err)
		}
		if BackgroundTaskStatus(status) != BackgroundCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (s *SQLStore) ListBackgroundTasks(ctx context.Context, filter BackgroundTaskFilter) ([]*BackgroundTask, error) {
	query := `SELECT * FROM background_tasks WHERE 1=1`
	var args []any
	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.WorkflowRunID != "" {
		query += ` AND workflow_run_id = ?`
		args = append(args, filter.WorkflowRunID)
	}
	query += ` ORDER BY created_at`

	var rows []backgroundTaskRow
	err := s.pool.Reader().SelectContext(ctx, &rows, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list background tasks: %w", err)
	}
	result := make([]*BackgroundTask, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// Workflow run operations

func (s *SQLStore) CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = WorkflowRunPending
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO workflow_runs (id, workflow_id, workflow_name, workflow_version,
			workspace_id, status, trigger_source, trigger_payload, current_step_name,
			step_outputs, total_steps, completed_steps, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.WorkflowID, run.WorkflowName, run.WorkflowVersion, run.WorkspaceID,
		run.Status, run.TriggerSource, run.TriggerPayload, run.CurrentStepName,
		marshalJSON(run.StepOutputs), run.TotalSteps, run.CompletedSteps,
		run.StartedAt, run.CompletedAt, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}
	return nil
}

type workflowRunRow struct {
	ID              string     `db:"id"`
	WorkflowID      string     `db:"workflow_id"`
	WorkflowName    string     `db:"workflow_name"`
	WorkflowVersion string     `db:"workflow_version"`
	WorkspaceID     string     `db:"workspace_id"`
	Status          string     `db:"status"`
	TriggerSource   string     `db:"trigger_source"`
	TriggerPayload  string     `db:"trigger_payload"`
	CurrentStepName string     `db:"current_step_name"`
	StepOutputs     string     `db:"step_outputs"`
	TotalSteps      int        `db:"total_steps"`
	CompletedSteps  int        `db:"completed_steps"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	ErrorMessage    string     `db:"error_message"`
}

func (r workflowRunRow) toModel() *WorkflowRun {
	return &WorkflowRun{
		ID:              r.ID,
		WorkflowID:      r.WorkflowID,
		WorkflowName:    r.WorkflowName,
		WorkflowVersion: r.WorkflowVersion,
		WorkspaceID:     r.WorkspaceID,
		Status:          WorkflowRunStatus(r.Status),
		TriggerSource:   TriggerSource(r.TriggerSource),
		TriggerPayload:  r.TriggerPayload,
		CurrentStepName: r.CurrentStepName,
		StepOutputs:     unmarshalStringMap(r.StepOutputs),
		TotalSteps:      r.TotalSteps,
		CompletedSteps:  r.CompletedSteps,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		ErrorMessage:    r.ErrorMessage,
	}
}

func (s *SQLStore) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var row workflowRunRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM workflow_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("workflow run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.GetContext(ctx, &status, s.rebind(
		`SELECT status FROM workflow_runs WHERE id = ?`), run.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFoundErr("workflow run", run.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read workflow run: %w", err)
	}
	if WorkflowRunStatus(status).Terminal() {
		return ErrTerminalWorkflowRun
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE workflow_runs SET status = ?, trigger_payload = ?, current_step_name = ?,
			step_outputs = ?, total_steps = ?, completed_steps = ?,
			started_at = ?, completed_at = ?, error_message = ?
		WHERE id = ?`),
		run.Status, run.TriggerPayload, run.CurrentStepName, marshalJSON(run.StepOutputs),
		run.TotalSteps, run.CompletedSteps, run.StartedAt, run.CompletedAt,
		run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow run: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListWorkflowRuns(ctx context.Context, workspaceID string) ([]*WorkflowRun, error) {
	var rows []workflowRunRow
	var err error
	if workspaceID == "" {
		err = s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM workflow_runs ORDER BY id`)
	} else {
		err = s.pool.Reader().SelectContext(ctx, &rows,
			s.rebind(`SELECT * FROM workflow_runs WHERE workspace_id = ? ORDER BY id`), workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	result := make([]*WorkflowRun, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// Webhook configuration operations

func (s *SQLStore) CreateWebhookConfig(ctx context.Context, cfg *WebhookConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO webhook_configs (id, repo, event_types, label_filter, trigger_agent_id,
			workspace_id, webhook_secret, github_token, prompt_template, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		cfg.ID, cfg.Repo, marshalJSON(cfg.EventTypes), marshalJSON(cfg.LabelFilter),
		cfg.TriggerAgentID, cfg.WorkspaceID, cfg.WebhookSecret, cfg.GithubToken,
		cfg.PromptTemplate, boolToInt(cfg.Enabled))
	if err != nil {
		return fmt.Errorf("failed to create webhook config: %w", err)
	}
	return nil
}

type webhookConfigRow struct {
	ID             string `db:"id"`
	Repo           string `db:"repo"`
	EventTypes     string `db:"event_types"`
	LabelFilter    string `db:"label_filter"`
	TriggerAgentID string `db:"trigger_agent_id"`
	WorkspaceID    string `db:"workspace_id"`
	WebhookSecret  string `db:"webhook_secret"`
	GithubToken    string `db:"github_token"`
	PromptTemplate string `db:"prompt_template"`
	Enabled        int    `db:"enabled"`
}

func (r webhookConfigRow) toModel() *WebhookConfig {
	return &WebhookConfig{
		ID:             r.ID,
		Repo:           r.Repo,
		EventTypes:     unmarshalStrings(r.EventTypes),
		LabelFilter:    unmarshalStrings(r.LabelFilter),
		TriggerAgentID: r.TriggerAgentID,
		WorkspaceID:    r.WorkspaceID,
		WebhookSecret:  r.WebhookSecret,
		GithubToken:    r.GithubToken,
		PromptTemplate: r.PromptTemplate,
		Enabled:        r.Enabled != 0,
	}
}

func (s *SQLStore) GetWebhookConfig(ctx context.Context, id string) (*WebhookConfig, error) {
	var row webhookConfigRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM webhook_configs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("webhook config", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook config: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateWebhookConfig(ctx context.Context, cfg *WebhookConfig) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE webhook_configs SET repo = ?, event_types = ?, label_filter = ?,
			trigger_agent_id = ?, workspace_id = ?, webhook_secret = ?, github_token = ?,
			prompt_template = ?, enabled = ?
		WHERE id = ?`),
		cfg.Repo, marshalJSON(cfg.EventTypes), marshalJSON(cfg.LabelFilter),
		cfg.TriggerAgentID, cfg.WorkspaceID, cfg.WebhookSecret, cfg.GithubToken,
		cfg.PromptTemplate, boolToInt(cfg.Enabled), cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook config: %w", err)
	}
	return requireRow(res, "webhook config", cfg.ID)
}

func (s *SQLStore) DeleteWebhookConfig(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`DELETE FROM webhook_configs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook config: %w", err)
	}
	return requireRow(res, "webhook config", id)
}

func (s *SQLStore) ListWebhookConfigs(ctx context.Context) ([]*WebhookConfig, error) {
	return s.listWebhookConfigs(ctx, `SELECT * FROM webhook_configs ORDER BY repo`)
}

func (s *SQLStore) ListEnabledWebhookConfigs(ctx context.Context) ([]*WebhookConfig, error) {
	return s.listWebhookConfigs(ctx, `SELECT * FROM webhook_configs WHERE enabled = 1 ORDER BY repo`)
}

func (s *SQLStore) listWebhookConfigs(ctx context.Context, query string) ([]*WebhookConfig, error) {
	var rows []webhookConfigRow
	err := s.pool.Reader().SelectContext(ctx, &rows, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook configs: %w", err)
	}
	result := make([]*WebhookConfig, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

func (s *SQLStore) AppendWebhookTriggerLog(ctx context.Context, log *WebhookTriggerLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO webhook_trigger_logs (id, config_id, event_type, event_action, payload,
			background_task_id, signature_valid, outcome, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.ConfigID, log.EventType, log.EventAction, log.Payload,
		log.BackgroundTaskID, boolToInt(log.SignatureValid), log.Outcome,
		log.ErrorMessage, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append webhook trigger log: %w", err)
	}
	return nil
}

type webhookTriggerLogRow struct {
	ID               string    `db:"id"`
	ConfigID         string    `db:"config_id"`
	EventType        string    `db:"event_type"`
	EventAction      string    `db:"event_action"`
	Payload          string    `db:"payload"`
	BackgroundTaskID string    `db:"background_task_id"`
	SignatureValid   int       `db:"signature_valid"`
	Outcome          string    `db:"outcome"`
	ErrorMessage     string    `db:"error_message"`
	CreatedAt        time.Time `db:"created_at"`
}

func (s *SQLStore) ListWebhookTriggerLogs(ctx context.Context, configID string) ([]*WebhookTriggerLog, error) {
	var rows []webhookTriggerLogRow
	err := s.pool.Reader().SelectContext(ctx, &rows, s.rebind(
		`SELECT * FROM webhook_trigger_logs WHERE config_id = ? ORDER BY created_at DESC`), configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook trigger logs: %w", err)
	}
	result := make([]*WebhookTriggerLog, 0, len(rows))
	for _, row := range rows {
		result = append(result, &WebhookTriggerLog{
			ID:               row.ID,
			ConfigID:         row.ConfigID,
			EventType:        row.EventType,
			EventAction:      row.EventAction,
			Payload:          row.Payload,
			BackgroundTaskID: row.BackgroundTaskID,
			SignatureValid:   row.SignatureValid != 0,
			Outcome:          TriggerOutcome(row.Outcome),
			ErrorMessage:     row.ErrorMessage,
			CreatedAt:        row.CreatedAt,
		})
	}
	return result, nil
}

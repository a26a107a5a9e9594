package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Note operations

func (s *SQLStore) CreateNote(ctx context.Context, note *Note) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	note.CreatedAt = now
	note.UpdatedAt = now

	var count int
	err := s.pool.Writer().GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM notes WHERE workspace_id = ? AND id = ?`),
		note.WorkspaceID, note.ID)
	if err != nil {
		return fmt.Errorf("failed to check note existence: %w", err)
	}
	if count > 0 {
		return DuplicateErr("note", note.ID)
	}

	_, err = s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO notes (workspace_id, id, session_id, title, content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		note.WorkspaceID, note.ID, note.SessionID, note.Title, note.Content,
		marshalJSON(note.Metadata), note.CreatedAt, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}
	return nil
}

type noteRow struct {
	WorkspaceID string    `db:"workspace_id"`
	ID          string    `db:"id"`
	SessionID   string    `db:"session_id"`
	Title       string    `db:"title"`
	Content     string    `db:"content"`
	Metadata    string    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r noteRow) toModel() *Note {
	note := &Note{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		SessionID:   r.SessionID,
		Title:       r.Title,
		Content:     r.Content,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(r.Metadata), &note.Metadata)
	return note
}

func (s *SQLStore) GetNote(ctx context.Context, workspaceID, id string) (*Note, error) {
	var row noteRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM notes WHERE workspace_id = ? AND id = ?`), workspaceID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("note", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateNote(ctx context.Context, note *Note) error {
	note.UpdatedAt = time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE notes SET session_id = ?, title = ?, content = ?, metadata = ?, updated_at = ?
		WHERE workspace_id = ? AND id = ?`),
		note.SessionID, note.Title, note.Content, marshalJSON(note.Metadata),
		note.UpdatedAt, note.WorkspaceID, note.ID)
	if err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	return requireRow(res, "note", note.ID)
}

func (s *SQLStore) DeleteNote(ctx context.Context, workspaceID, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`DELETE FROM notes WHERE workspace_id = ? AND id = ?`), workspaceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return requireRow(res, "note", id)
}

func (s *SQLStore) ListNotes(ctx context.Context, workspaceID string) ([]*Note, error) {
	var rows []noteRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		s.rebind(`SELECT * FROM notes WHERE workspace_id = ? ORDER BY created_at`), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	result := make([]*Note, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

func (s *SQLStore) EnsureSpecNote(ctx context.Context, workspaceID string) (*Note, error) {
	note, err := s.GetNote(ctx, workspaceID, SpecNoteID)
	if err == nil {
		return note, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	note = &Note{
		ID:          SpecNoteID,
		WorkspaceID: workspaceID,
		Title:       "Workspace Spec",
		Metadata:    NoteMetadata{Type: NoteSpec},
	}
	if err := s.CreateNote(ctx, note); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.GetNote(ctx, workspaceID, SpecNoteID)
		}
		return nil, err
	}
	return note, nil
}

// Message operations

func (s *SQLStore) AppendMessage(ctx context.Context, message *Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, agent_id, role, content, timestamp, tool_name, tool_args, turn)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		message.ID, message.AgentID, message.Role, message.Content,
		message.Timestamp, message.ToolName, message.ToolArgs, message.Turn)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, agentID string, opts ListMessagesOptions) ([]*Message, error) {
	query := `SELECT * FROM messages WHERE agent_id = ? ORDER BY timestamp`
	args := []any{agentID}
	if opts.Limit > 0 {
		// Most recent N, returned in chronological order.
		query = `SELECT * FROM (
			SELECT * FROM messages WHERE agent_id = ? ORDER BY timestamp DESC LIMIT ?
		) recent ORDER BY timestamp`
		args = append(args, opts.Limit)
	}
	var messages []*Message
	err := s.pool.Reader().SelectContext(ctx, &messages, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// ACP session operations

func (s *SQLStore) CreateACPSession(ctx context.Context, session *ACPSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO acp_sessions (id, name, cwd, workspace_id, routa_agent_id, provider, role,
			mode_id, model, first_prompt_sent, message_history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.Name, session.Cwd, session.WorkspaceID, session.RoutaAgentID,
		session.Provider, session.Role, session.ModeID, session.Model,
		boolToInt(session.FirstPromptSent), marshalJSON(session.MessageHistory),
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

type acpSessionRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	Cwd             string    `db:"cwd"`
	WorkspaceID     string    `db:"workspace_id"`
	RoutaAgentID    string    `db:"routa_agent_id"`
	Provider        string    `db:"provider"`
	Role            string    `db:"role"`
	ModeID          string    `db:"mode_id"`
	Model           string    `db:"model"`
	FirstPromptSent int       `db:"first_prompt_sent"`
	MessageHistory  string    `db:"message_history"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r acpSessionRow) toModel() *ACPSession {
	session := &ACPSession{
		ID:              r.ID,
		Name:            r.Name,
		Cwd:             r.Cwd,
		WorkspaceID:     r.WorkspaceID,
		RoutaAgentID:    r.RoutaAgentID,
		Provider:        r.Provider,
		Role:            r.Role,
		ModeID:          r.ModeID,
		Model:           r.Model,
		FirstPromptSent: r.FirstPromptSent != 0,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(r.MessageHistory), &session.MessageHistory)
	return session
}

func (s *SQLStore) GetACPSession(ctx context.Context, id string) (*ACPSession, error) {
	var row acpSessionRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM acp_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) UpdateACPSession(ctx context.Context, session *ACPSession) error {
	session.UpdatedAt = time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE acp_sessions SET name = ?, cwd = ?, workspace_id = ?, routa_agent_id = ?,
			provider = ?, role = ?, mode_id = ?, model = ?, first_prompt_sent = ?,
			message_history = ?, updated_at = ?
		WHERE id = ?`),
		session.Name, session.Cwd, session.WorkspaceID, session.RoutaAgentID,
		session.Provider, session.Role, session.ModeID, session.Model,
		boolToInt(session.FirstPromptSent), marshalJSON(session.MessageHistory),
		session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res, "session", session.ID)
}

func (s *SQLStore) AppendSessionHistory(ctx context.Context, sessionID string, update json.RawMessage) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var history string
	err = tx.GetContext(ctx, &history, s.rebind(
		`SELECT message_history FROM acp_sessions WHERE id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFoundErr("session", sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to read session history: %w", err)
	}
	var entries []json.RawMessage
	_ = json.Unmarshal([]byte(history), &entries)
	entries = append(entries, update)

	_, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE acp_sessions SET message_history = ?, updated_at = ? WHERE id = ?`),
		marshalJSON(entries), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to append session history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteACPSession(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`DELETE FROM acp_sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res, "session", id)
}

func (s *SQLStore) ListACPSessions(ctx context.Context, workspaceID string) ([]*ACPSession, error) {
	var rows []acpSessionRow
	var err error
	if workspaceID == "" {
		err = s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM acp_sessions ORDER BY created_at`)
	} else {
		err = s.pool.Reader().SelectContext(ctx, &rows,
			s.rebind(`SELECT * FROM acp_sessions WHERE workspace_id = ? ORDER BY created_at`), workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	result := make([]*ACPSession, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// Skill operations

func (s *SQLStore) CreateSkill(ctx context.Context, skill *Skill) error {
	if skill.ID == "" {
		skill.ID = uuid.New().String()
	}
	skill.CreatedAt = time.Now().UTC()
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO skills (id, name, description, content, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		skill.ID, skill.Name, skill.Description, skill.Content, skill.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create skill: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSkills(ctx context.Context) ([]*Skill, error) {
	var skills []*Skill
	err := s.pool.Reader().SelectContext(ctx, &skills, `SELECT * FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	return skills, nil
}

func (s *SQLStore) AssignSkillToWorkspace(ctx context.Context, workspaceID, skillID string) error {
	var count int
	err := s.pool.Writer().GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM skills WHERE id = ?`), skillID)
	if err != nil {
		return fmt.Errorf("failed to check skill: %w", err)
	}
	if count == 0 {
		return NotFoundErr("skill", skillID)
	}
	_, err = s.pool.Writer().ExecContext(ctx, s.rebind(
		`INSERT INTO workspace_skills (workspace_id, skill_id) VALUES (?, ?)
		 ON CONFLICT (workspace_id, skill_id) DO NOTHING`),
		workspaceID, skillID)
	if err != nil {
		return fmt.Errorf("failed to assign skill: %w", err)
	}
	return nil
}

func (s *SQLStore) ListWorkspaceSkills(ctx context.Context, workspaceID string) ([]*Skill, error) {
	var skills []*Skill
	err := s.pool.Reader().SelectContext(ctx, &skills, s.rebind(`
		SELECT sk.* FROM skills sk
		JOIN workspace_skills ws ON ws.skill_id = sk.id
		WHERE ws.workspace_id = ?
		ORDER BY sk.name`), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace skills: %w", err)
	}
	return skills, nil
}

// Specialist operations

func (s *SQLStore) UpsertSpecialist(ctx context.Context, specialist *Specialist) error {
	if specialist.ID == "" {
		specialist.ID = uuid.New().String()
	}
	if specialist.Source == "" {
		specialist.Source = SpecialistSourceUser
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO specialists (id, name, description, role, default_model_tier, system_prompt,
			role_reminder, model, enabled, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			role = excluded.role,
			default_model_tier = excluded.default_model_tier,
			system_prompt = excluded.system_prompt,
			role_reminder = excluded.role_reminder,
			model = excluded.model,
			enabled = excluded.enabled,
			source = excluded.source`),
		specialist.ID, specialist.Name, specialist.Description, specialist.Role,
		specialist.DefaultModelTier, specialist.SystemPrompt, specialist.RoleReminder,
		specialist.Model, boolToInt(specialist.Enabled), specialist.Source)
	if err != nil {
		return fmt.Errorf("failed to upsert specialist: %w", err)
	}
	return nil
}

type specialistRow struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	Description      string `db:"description"`
	Role             string `db:"role"`
	DefaultModelTier string `db:"default_model_tier"`
	SystemPrompt     string `db:"system_prompt"`
	RoleReminder     string `db:"role_reminder"`
	Model            string `db:"model"`
	Enabled          int    `db:"enabled"`
	Source           string `db:"source"`
}

func (r specialistRow) toModel() *Specialist {
	return &Specialist{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Role:             AgentRole(r.Role),
		DefaultModelTier: ModelTier(r.DefaultModelTier),
		SystemPrompt:     r.SystemPrompt,
		RoleReminder:     r.RoleReminder,
		Model:            r.Model,
		Enabled:          r.Enabled != 0,
		Source:           SpecialistSource(r.Source),
	}
}

func (s *SQLStore) GetSpecialist(ctx context.Context, id string) (*Specialist, error) {
	var row specialistRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.rebind(`SELECT * FROM specialists WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundErr("specialist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get specialist: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) ListSpecialists(ctx context.Context) ([]*Specialist, error) {
	var rows []specialistRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM specialists ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list specialists: %w", err)
	}
	result := make([]*Specialist, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

func (s *SQLStore) DeleteSpecialist(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`DELETE FROM specialists WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete specialist: %w", err)
	}
	return requireRow(res, "specialist", id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

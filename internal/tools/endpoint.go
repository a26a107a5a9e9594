// Package tools implements the tool contract consumed by agents. Every tool
// takes one JSON object and returns the result envelope
// {success, data?, error?}. The same Endpoint backs the MCP server and the
// HTTP routes.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/events"
	"github.com/routa-dev/routa/internal/events/bus"
	"github.com/routa-dev/routa/internal/orchestrator"
	"github.com/routa-dev/routa/internal/session"
	"github.com/routa-dev/routa/internal/store"
)

// Stable error codes carried alongside the envelope's error string.
const (
	CodeInvalidArgs     = "TOOL_INVALID_ARGS"
	CodeNotAuthorized   = "TOOL_NOT_AUTHORIZED"
	CodeExecutionFailed = "TOOL_EXECUTION_FAILED"
)

// Result is the uniform tool envelope.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(code, message string) Result {
	return Result{Success: false, Code: code, Error: message}
}

func failf(code, format string, args ...any) Result {
	return fail(code, fmt.Sprintf(format, args...))
}

// failErr maps an error to the envelope, preserving orchestrator codes.
func failErr(err error) Result {
	if code := orchestrator.ErrorCode(err); code != "" {
		return fail(code, err.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return fail(CodeExecutionFailed, err.Error())
	}
	return fail(CodeExecutionFailed, err.Error())
}

// Endpoint executes tool calls against the store, the orchestrator, and the
// session manager.
type Endpoint struct {
	log      *logger.Logger
	store    store.Store
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	bus      bus.EventBus
}

// NewEndpoint creates the tool endpoint.
func NewEndpoint(st store.Store, orch *orchestrator.Orchestrator, sessions *session.Manager, eventBus bus.EventBus, log *logger.Logger) *Endpoint {
	return &Endpoint{
		log:      log.WithFields(zap.String("component", "tools")),
		store:    st,
		orch:     orch,
		sessions: sessions,
		bus:      eventBus,
	}
}

// Call dispatches a tool by name. Unknown names fail with TOOL_INVALID_ARGS.
func (e *Endpoint) Call(ctx context.Context, name string, args json.RawMessage) Result {
	handler, ok := e.handlers()[name]
	if !ok {
		return failf(CodeInvalidArgs, "unknown tool %q", name)
	}
	result := handler(ctx, args)
	if !result.Success {
		e.log.Debug("tool call failed",
			zap.String("tool", name), zap.String("code", result.Code), zap.String("error", result.Error))
	}
	return result
}

// ToolNames returns the wire-contract tool names in registration order.
func (e *Endpoint) ToolNames() []string {
	return []string{
		"create_task", "list_tasks", "delegate_task_to_agent",
		"create_note", "read_note", "list_notes", "set_note_content", "convert_task_blocks",
		"list_agents", "get_agent_status", "read_agent_conversation", "send_message_to_agent",
		"report_to_parent", "set_agent_name",
	}
}

func (e *Endpoint) handlers() map[string]func(context.Context, json.RawMessage) Result {
	return map[string]func(context.Context, json.RawMessage) Result{
		"create_task":             e.CreateTask,
		"list_tasks":              e.ListTasks,
		"delegate_task_to_agent":  e.DelegateTask,
		"create_note":             e.CreateNote,
		"read_note":               e.ReadNote,
		"list_notes":              e.ListNotes,
		"set_note_content":        e.SetNoteContent,
		"convert_task_blocks":     e.ConvertTaskBlocks,
		"list_agents":             e.ListAgents,
		"get_agent_status":        e.GetAgentStatus,
		"read_agent_conversation": e.ReadAgentConversation,
		"send_message_to_agent":   e.SendMessageToAgent,
		"report_to_parent":        e.ReportToParent,
		"set_agent_name":          e.SetAgentName,
	}
}

func decode(args json.RawMessage, into any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return json.Unmarshal(args, into)
}

// CreateTask persists a new task without assignment.
func (e *Endpoint) CreateTask(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		Title                string   `json:"title"`
		Objective            string   `json:"objective"`
		Scope                string   `json:"scope"`
		AcceptanceCriteria   []string `json:"acceptanceCriteria"`
		VerificationCommands []string `json:"verificationCommands"`
		WorkspaceID          string   `json:"workspaceId"`
		ParallelGroup        string   `json:"parallelGroup"`
		Dependencies         []string `json:"dependencies"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.Title == "" || in.Objective == "" || in.WorkspaceID == "" {
		return fail(CodeInvalidArgs, "title, objective, and workspaceId are required")
	}

	task := &store.Task{
		Title:                in.Title,
		Objective:            in.Objective,
		Scope:                in.Scope,
		AcceptanceCriteria:   in.AcceptanceCriteria,
		VerificationCommands: in.VerificationCommands,
		WorkspaceID:          in.WorkspaceID,
		ParallelGroup:        in.ParallelGroup,
		Dependencies:         in.Dependencies,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"taskId": task.ID})
}

// ListTasks returns the workspace's tasks, optionally filtered by status.
func (e *Endpoint) ListTasks(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		WorkspaceID string `json:"workspaceId"`
		Status      string `json:"status"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.WorkspaceID == "" {
		return fail(CodeInvalidArgs, "workspaceId is required")
	}

	tasks, err := e.store.ListTasks(ctx, in.WorkspaceID)
	if err != nil {
		return failErr(err)
	}
	if in.Status != "" {
		filtered := tasks[:0]
		for _, task := range tasks {
			if string(task.Status) == in.Status {
				filtered = append(filtered, task)
			}
		}
		tasks = filtered
	}
	return ok(map[string]any{"tasks": tasks})
}

// DelegateTask forwards to the orchestrator.
func (e *Endpoint) DelegateTask(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		TaskID                 string `json:"taskId"`
		Specialist             string `json:"specialist"`
		WaitMode               string `json:"waitMode"`
		AdditionalInstructions string `json:"additionalInstructions"`
		Provider               string `json:"provider"`
		Cwd                    string `json:"cwd"`
		CallerAgentID          string `json:"callerAgentId"`
		CallerSessionID        string `json:"callerSessionId"`
		WorkspaceID            string `json:"workspaceId"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.TaskID == "" || in.Specialist == "" || in.CallerAgentID == "" {
		return fail(CodeInvalidArgs, "taskId, specialist, and callerAgentId are required")
	}
	if in.CallerSessionID == "" {
		in.CallerSessionID = e.sessionForAgent(in.CallerAgentID)
	}

	res, err := e.orch.DelegateTaskWithSpawn(ctx, orchestrator.DelegateRequest{
		TaskID:                 in.TaskID,
		CallerAgentID:          in.CallerAgentID,
		CallerSessionID:        in.CallerSessionID,
		WorkspaceID:            in.WorkspaceID,
		Specialist:             in.Specialist,
		Provider:               in.Provider,
		Cwd:                    in.Cwd,
		AdditionalInstructions: in.AdditionalInstructions,
		WaitMode:               in.WaitMode,
	})
	if err != nil {
		return failErr(err)
	}
	return ok(res)
}

// CreateNote persists a note.
func (e *Endpoint) CreateNote(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		WorkspaceID string              `json:"workspaceId"`
		NoteID      string              `json:"noteId"`
		SessionID   string              `json:"sessionId"`
		Title       string              `json:"title"`
		Content     string              `json:"content"`
		Metadata    *store.NoteMetadata `json:"metadata"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.WorkspaceID == "" || in.Title == "" {
		return fail(CodeInvalidArgs, "workspaceId and title are required")
	}

	note := &store.Note{
		ID:          in.NoteID,
		WorkspaceID: in.WorkspaceID,
		SessionID:   in.SessionID,
		Title:       in.Title,
		Content:     in.Content,
	}
	if in.Metadata != nil {
		note.Metadata = *in.Metadata
	}
	if note.Metadata.Type == "" {
		note.Metadata.Type = store.NoteGeneral
	}
	if err := e.store.CreateNote(ctx, note); err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"noteId": note.ID})
}

// ReadNote returns one note.
func (e *Endpoint) ReadNote(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		WorkspaceID string `json:"workspaceId"`
		NoteID      string `json:"noteId"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.WorkspaceID == "" || in.NoteID == "" {
		return fail(CodeInvalidArgs, "workspaceId and noteId are required")
	}

	note, err := e.getNote(ctx, in.WorkspaceID, in.NoteID)
	if err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"note": note})
}

// ListNotes returns the workspace's notes.
func (e *Endpoint) ListNotes(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.WorkspaceID == "" {
		return fail(CodeInvalidArgs, "workspaceId is required")
	}

	notes, err := e.store.ListNotes(ctx, in.WorkspaceID)
	if err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"notes": notes})
}

// SetNoteContent replaces a note's content. Writing the spec note converts
// its @@@task blocks into task rows atomically and returns their ids.
func (e *Endpoint) SetNoteContent(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		WorkspaceID string `json:"workspaceId"`
		NoteID      string `json:"noteId"`
		Content     string `json:"content"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.WorkspaceID == "" || in.NoteID == "" {
		return fail(CodeInvalidArgs, "workspaceId and noteId are required")
	}

	note, err := e.getNote(ctx, in.WorkspaceID, in.NoteID)
	if err != nil {
		return failErr(err)
	}
	note.Content = in.Content
	if err := e.store.UpdateNote(ctx, note); err != nil {
		return failErr(err)
	}

	data := map[string]any{"noteId": note.ID}
	if isSpecNote(note) {
		taskIDs, err := e.convertBlocks(ctx, note)
		if err != nil {
			return failErr(err)
		}
		data["taskIds"] = taskIDs
	}
	return ok(data)
}

// ConvertTaskBlocks materializes a note's @@@task blocks on demand.
func (e *Endpoint) ConvertTaskBlocks(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		WorkspaceID string `json:"workspaceId"`
		NoteID      string `json:"noteId"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.WorkspaceID == "" || in.NoteID == "" {
		return fail(CodeInvalidArgs, "workspaceId and noteId are required")
	}

	note, err := e.getNote(ctx, in.WorkspaceID, in.NoteID)
	if err != nil {
		return failErr(err)
	}
	taskIDs, err := e.convertBlocks(ctx, note)
	if err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"taskIds": taskIDs})
}

// convertBlocks creates one task per block in a single atomic write.
func (e *Endpoint) convertBlocks(ctx context.Context, note *store.Note) ([]string, error) {
	blocks := extractTaskBlocks(note.Content)
	if len(blocks) == 0 {
		return []string{}, nil
	}
	tasks := blocksToTasks(note.WorkspaceID, blocks)
	if err := e.store.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}
	taskIDs := make([]string, len(tasks))
	for i, task := range tasks {
		taskIDs[i] = task.ID
	}
	e.publish(ctx, events.TaskCreated, map[string]any{
		"workspaceId": note.WorkspaceID,
		"noteId":      note.ID,
		"taskIds":     taskIDs,
	})
	return taskIDs, nil
}

// ListAgents returns the workspace's agents.
func (e *Endpoint) ListAgents(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.WorkspaceID == "" {
		return fail(CodeInvalidArgs, "workspaceId is required")
	}

	agents, err := e.store.ListAgents(ctx, in.WorkspaceID)
	if err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"agents": agents})
}

// GetAgentStatus returns one agent's status plus its live session state.
func (e *Endpoint) GetAgentStatus(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		AgentID string `json:"agentId"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.AgentID == "" {
		return fail(CodeInvalidArgs, "agentId is required")
	}

	agent, err := e.store.GetAgent(ctx, in.AgentID)
	if err != nil {
		return failErr(err)
	}
	data := map[string]any{
		"agentId": agent.ID,
		"name":    agent.Name,
		"role":    agent.Role,
		"status":  agent.Status,
	}
	if sessionID := e.sessionForAgent(agent.ID); sessionID != "" {
		data["sessionId"] = sessionID
	}
	return ok(data)
}

// ReadAgentConversation returns the agent's last N messages in order.
func (e *Endpoint) ReadAgentConversation(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		AgentID string `json:"agentId"`
		Limit   int    `json:"limit"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.AgentID == "" {
		return fail(CodeInvalidArgs, "agentId is required")
	}
	if in.Limit <= 0 {
		in.Limit = 50
	}

	messages, err := e.store.ListMessages(ctx, in.AgentID, store.ListMessagesOptions{Limit: in.Limit})
	if err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"messages": messages})
}

// SendMessageToAgent records the message and, when the target has a live
// session, delivers it as a prompt.
func (e *Endpoint) SendMessageToAgent(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		AgentID     string `json:"agentId"`
		Message     string `json:"message"`
		FromAgentID string `json:"fromAgentId"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.AgentID == "" || in.Message == "" {
		return fail(CodeInvalidArgs, "agentId and message are required")
	}
	if _, err := e.store.GetAgent(ctx, in.AgentID); err != nil {
		return failErr(err)
	}

	if err := e.store.AppendMessage(ctx, &store.Message{
		AgentID: in.AgentID,
		Role:    store.MessageRoleUser,
		Content: in.Message,
	}); err != nil {
		return failErr(err)
	}

	delivered := false
	if sessionID := e.sessionForAgent(in.AgentID); sessionID != "" {
		delivered = true
		text := in.Message
		if in.FromAgentID != "" {
			text = fmt.Sprintf("Message from agent %s:\n\n%s", in.FromAgentID, in.Message)
		}
		go func() {
			if err := e.sessions.Prompt(context.Background(), sessionID, text); err != nil {
				e.log.Warn("failed to deliver agent message",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}()
	}
	return ok(map[string]any{"delivered": delivered})
}

// ReportToParent submits a child's completion report.
func (e *Endpoint) ReportToParent(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		AgentID string              `json:"agentId"`
		Report  orchestrator.Report `json:"report"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.AgentID == "" {
		return fail(CodeInvalidArgs, "agentId is required")
	}
	if in.Report.Summary == "" {
		return fail(CodeInvalidArgs, "report.summary is required")
	}

	if err := e.orch.SubmitReport(ctx, in.AgentID, in.Report); err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"reported": true})
}

// SetAgentName renames an agent's display name.
func (e *Endpoint) SetAgentName(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		AgentID string `json:"agentId"`
		Name    string `json:"name"`
	}
	if err := decode(args, &in); err != nil {
		return failf(CodeInvalidArgs, "invalid arguments: %v", err)
	}
	if in.AgentID == "" || in.Name == "" {
		return fail(CodeInvalidArgs, "agentId and name are required")
	}

	agent, err := e.store.GetAgent(ctx, in.AgentID)
	if err != nil {
		return failErr(err)
	}
	agent.Name = in.Name
	if err := e.store.UpdateAgent(ctx, agent); err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"agentId": agent.ID, "name": agent.Name})
}

// getNote resolves a note, auto-creating the spec note singleton on first use.
func (e *Endpoint) getNote(ctx context.Context, workspaceID, noteID string) (*store.Note, error) {
	if noteID == store.SpecNoteID {
		return e.store.EnsureSpecNote(ctx, workspaceID)
	}
	return e.store.GetNote(ctx, workspaceID, noteID)
}

func isSpecNote(note *store.Note) bool {
	return note.ID == store.SpecNoteID || note.Metadata.Type == store.NoteSpec
}

// sessionForAgent finds the live session owned by an agent, or "".
func (e *Endpoint) sessionForAgent(agentID string) string {
	if e.sessions == nil {
		return ""
	}
	for _, info := range e.sessions.ListSessions() {
		if info.AgentID == agentID {
			return info.SessionID
		}
	}
	return ""
}

func (e *Endpoint) publish(ctx context.Context, subject string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(subject, "tools", data)); err != nil {
		e.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

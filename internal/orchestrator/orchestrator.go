// Package orchestrator implements delegation: spawning child agent sessions
// for tasks, tracking parent/child relations, grouping completions, and
// waking parents when children finish.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/acp"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/common/tracing"
	"github.com/routa-dev/routa/internal/events"
	"github.com/routa-dev/routa/internal/events/bus"
	"github.com/routa-dev/routa/internal/session"
	"github.com/routa-dev/routa/internal/specialist"
	"github.com/routa-dev/routa/internal/store"
)

// Wait modes for delegation.
const (
	WaitImmediate = "immediate"
	WaitAfterAll  = "after_all"
)

// autoReportSummary is the synthesized report body for agents that finish a
// turn without calling report_to_parent.
const autoReportSummary = "Agent completed its work (auto-reported by orchestrator)."

// Config tunes the orchestrator.
type Config struct {
	MaxDelegationDepth int
	DefaultCwd         string
	CrafterProvider    string
	GateProvider       string
	DefaultProvider    string
	// AutoReportSettle is the delay between a child prompt resolving and
	// the synthesized report check.
	AutoReportSettle time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDelegationDepth == 0 {
		c.MaxDelegationDepth = 2
	}
	if c.AutoReportSettle == 0 {
		c.AutoReportSettle = 2 * time.Second
	}
	return c
}

func (c Config) providerForRole(role store.AgentRole) string {
	switch role {
	case store.RoleCrafter:
		if c.CrafterProvider != "" {
			return c.CrafterProvider
		}
	case store.RoleGate:
		if c.GateProvider != "" {
			return c.GateProvider
		}
	}
	return c.DefaultProvider
}

// DelegateRequest carries one delegation.
type DelegateRequest struct {
	TaskID                 string
	CallerAgentID          string
	CallerSessionID        string
	WorkspaceID            string
	Specialist             string
	Provider               string
	Cwd                    string
	AdditionalInstructions string
	WaitMode               string // immediate (default) or after_all
}

// DelegateResult is returned to the delegating tool call.
type DelegateResult struct {
	AgentID    string `json:"agentId"`
	SessionID  string `json:"sessionId"`
	Specialist string `json:"specialist"`
	Provider   string `json:"provider"`
	WaitMode   string `json:"waitMode"`
}

// Report is a child's completion report (tool-call or synthesized).
type Report struct {
	TaskID              string   `json:"taskId"`
	Summary             string   `json:"summary"`
	FilesModified       []string `json:"filesModified,omitempty"`
	VerificationResults string   `json:"verificationResults,omitempty"`
	Success             bool     `json:"success"`
}

// ChildRecord tracks one live delegated child.
type ChildRecord struct {
	AgentID         string
	SessionID       string
	ParentAgentID   string
	ParentSessionID string
	TaskID          string
	Role            store.AgentRole
	Provider        string
}

type delegationGroup struct {
	id              string
	parentAgentID   string
	parentSessionID string
	childAgentIDs   []string
	completed       map[string]bool
	outcomes        []childOutcome
}

// ChildUpdateForwarder pushes a raw child update envelope onto the parent's
// client stream. Installed by the streaming gateway.
type ChildUpdateForwarder func(parentSessionID string, payload []byte)

// Orchestrator owns delegation state. All maps are guarded by one lock.
type Orchestrator struct {
	log         *logger.Logger
	store       store.Store
	sessions    *session.Manager
	specialists *specialist.Registry
	bus         bus.EventBus
	cfg         Config

	mu            sync.Mutex
	children      map[string]*ChildRecord // child agentID -> record
	agentBySess   map[string]string       // child sessionID -> agentID
	groups        map[string]*delegationGroup
	activeGroup   map[string]string // parent agentID -> group id
	groupByChild  map[string]string // child agentID -> group id
	watchers      map[string]*reportWatcher
	reported      map[string]bool
	completedDone map[string]bool

	forward ChildUpdateForwarder
}

// New creates an orchestrator.
func New(st store.Store, sessions *session.Manager, specialists *specialist.Registry, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		log:           log.WithFields(zap.String("component", "orchestrator")),
		store:         st,
		sessions:      sessions,
		specialists:   specialists,
		bus:           eventBus,
		cfg:           cfg.withDefaults(),
		children:      make(map[string]*ChildRecord),
		agentBySess:   make(map[string]string),
		groups:        make(map[string]*delegationGroup),
		activeGroup:   make(map[string]string),
		groupByChild:  make(map[string]string),
		watchers:      make(map[string]*reportWatcher),
		reported:      make(map[string]bool),
		completedDone: make(map[string]bool),
	}
}

// SetChildUpdateForwarder installs the gateway hook that relays child
// updates onto the parent's stream.
func (o *Orchestrator) SetChildUpdateForwarder(fn ChildUpdateForwarder) {
	o.mu.Lock()
	o.forward = fn
	o.mu.Unlock()
}

// DelegateTaskWithSpawn spawns a child session for a task. It returns before
// the child's first prompt completes; completion is handled asynchronously.
func (o *Orchestrator) DelegateTaskWithSpawn(ctx context.Context, req DelegateRequest) (*DelegateResult, error) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "delegate_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("specialist", req.Specialist),
	)

	// Depth guard.
	caller, err := o.store.GetAgent(ctx, req.CallerAgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load caller agent: %w", err)
	}
	depth := caller.DelegationDepth()
	if depth >= o.cfg.MaxDelegationDepth {
		return nil, depthExceededError(o.cfg.MaxDelegationDepth, depth)
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = caller.WorkspaceID
	}

	// Specialist resolution.
	sp, err := o.specialists.Resolve(ctx, req.Specialist)
	if err != nil {
		return nil, newError(CodeUnknownSpecialist, fmt.Sprintf("Unknown specialist %q. Use a role name (CRAFTER, GATE) or a specialist id.", req.Specialist))
	}

	// Task lookup with UUID-vs-name hint.
	task, err := o.store.GetTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, taskNotFoundError(req.TaskID)
		}
		return nil, err
	}

	// Provider and cwd defaulting.
	provider := req.Provider
	if provider == "" {
		provider = o.cfg.providerForRole(sp.Role)
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = o.cfg.DefaultCwd
	}
	waitMode := req.WaitMode
	if waitMode == "" {
		waitMode = WaitImmediate
	}

	// Child agent record, one level deeper than the caller.
	child := &store.Agent{
		Name:        sp.Name,
		Role:        sp.Role,
		ModelTier:   sp.DefaultModelTier,
		WorkspaceID: req.WorkspaceID,
		ParentID:    req.CallerAgentID,
		Status:      store.AgentActive,
		Metadata: map[string]string{
			store.MetaDelegationDepth:  fmt.Sprintf("%d", depth+1),
			store.MetaCreatedByAgentID: req.CallerAgentID,
			store.MetaSpecialist:       sp.ID,
		},
	}
	if err := o.store.CreateAgent(ctx, child); err != nil {
		return nil, fmt.Errorf("failed to create child agent: %w", err)
	}

	prompt := buildChildPrompt(sp, task, req.AdditionalInstructions)

	// Assign the task before spawning.
	if _, err := o.store.AtomicUpdateTask(ctx, task.ID, task.Version, func(t *store.Task) {
		t.AssignedTo = child.ID
		t.Status = store.TaskInProgress
	}); err != nil {
		return nil, fmt.Errorf("failed to assign task: %w", err)
	}

	// Session spawn with rollback.
	sessionID := uuid.New().String()
	record := &ChildRecord{
		AgentID:         child.ID,
		SessionID:       sessionID,
		ParentAgentID:   req.CallerAgentID,
		ParentSessionID: req.CallerSessionID,
		TaskID:          task.ID,
		Role:            sp.Role,
		Provider:        provider,
	}
	_, _, err = o.sessions.CreateSession(ctx, session.CreateSessionRequest{
		SessionID:   sessionID,
		Cwd:         cwd,
		Provider:    provider,
		Model:       sp.Model,
		WorkspaceID: req.WorkspaceID,
		AgentID:     child.ID,
		Role:        string(sp.Role),
		Name:        sp.Name,
		Handler:     o.childUpdateHandler(record),
	})
	if err != nil {
		o.rollbackSpawn(ctx, child.ID, task.ID)
		return nil, &Error{Code: CodeSpawnFailed, Message: fmt.Sprintf("Failed to spawn agent session: %v", err), Cause: err}
	}

	o.mu.Lock()
	o.children[child.ID] = record
	o.agentBySess[sessionID] = child.ID
	if waitMode == WaitAfterAll {
		o.joinGroupLocked(record)
	}
	o.mu.Unlock()

	o.startReportWatcher(record, cwd)

	// Fire-and-forget prompt; resolution drives completion handling.
	go o.runChildPrompt(record, prompt)

	o.publish(ctx, events.DelegationChildSpawned, map[string]any{
		"agentId":   child.ID,
		"sessionId": sessionID,
		"parentId":  req.CallerAgentID,
		"taskId":    task.ID,
	})
	o.publish(ctx, events.TaskAssigned, map[string]any{
		"taskId":  task.ID,
		"agentId": child.ID,
	})

	return &DelegateResult{
		AgentID:    child.ID,
		SessionID:  sessionID,
		Specialist: sp.ID,
		Provider:   provider,
		WaitMode:   waitMode,
	}, nil
}

func (o *Orchestrator) rollbackSpawn(ctx context.Context, agentID, taskID string) {
	if err := o.store.UpdateAgentStatus(ctx, agentID, store.AgentError); err != nil {
		o.log.Warn("rollback: agent status", zap.Error(err))
	}
	if task, err := o.store.GetTask(ctx, taskID); err == nil {
		if _, err := o.store.AtomicUpdateTask(ctx, taskID, task.Version, func(t *store.Task) {
			t.Status = store.TaskBlocked
		}); err != nil {
			o.log.Warn("rollback: task status", zap.Error(err))
		}
	}
}

// joinGroupLocked adds a child to the caller's active after_all group,
// creating the group on first use. Caller holds o.mu.
func (o *Orchestrator) joinGroupLocked(rec *ChildRecord) {
	gid, ok := o.activeGroup[rec.ParentAgentID]
	if !ok {
		gid = uuid.New().String()
		o.activeGroup[rec.ParentAgentID] = gid
		o.groups[gid] = &delegationGroup{
			id:              gid,
			parentAgentID:   rec.ParentAgentID,
			parentSessionID: rec.ParentSessionID,
			completed:       make(map[string]bool),
		}
	}
	group := o.groups[gid]
	group.childAgentIDs = append(group.childAgentIDs, rec.AgentID)
	o.groupByChild[rec.AgentID] = gid
}

// childUpdateHandler relays every raw child update onto the parent's stream,
// tagged with the child ids and rewritten to the parent's session id.
func (o *Orchestrator) childUpdateHandler(rec *ChildRecord) acp.NotificationHandler {
	return func(n acp.Notification) {
		if n.Method != acp.NotificationMethodUpdate {
			return
		}
		o.mu.Lock()
		forward := o.forward
		o.mu.Unlock()
		if forward == nil {
			return
		}
		envelope := map[string]any{
			"sessionId":      rec.ParentSessionID,
			"childAgentId":   rec.AgentID,
			"childSessionId": rec.SessionID,
			"update":         json.RawMessage(n.Params),
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			o.log.Warn("failed to encode child update", zap.Error(err))
			return
		}
		forward(rec.ParentSessionID, payload)
	}
}

// runChildPrompt drives the child's initial prompt on a detached goroutine.
func (o *Orchestrator) runChildPrompt(rec *ChildRecord, prompt string) {
	ctx := context.Background()
	if err := o.sessions.Prompt(ctx, rec.SessionID, prompt); err != nil {
		o.HandleChildError(ctx, rec.AgentID, err.Error())
		return
	}
	o.autoReportIfNeeded(ctx, rec)
}

// autoReportIfNeeded synthesizes a success report when a child's prompt
// resolved without the child reporting, after a short settle delay.
func (o *Orchestrator) autoReportIfNeeded(ctx context.Context, rec *ChildRecord) {
	time.Sleep(o.cfg.AutoReportSettle)

	o.mu.Lock()
	already := o.reported[rec.AgentID]
	o.mu.Unlock()
	if already {
		return
	}
	if agent, err := o.store.GetAgent(ctx, rec.AgentID); err == nil && agent.Status == store.AgentCompleted {
		return
	}

	o.log.Info("auto-reporting child completion", zap.String("agent_id", rec.AgentID))
	if err := o.SubmitReport(ctx, rec.AgentID, Report{
		TaskID:  rec.TaskID,
		Summary: autoReportSummary,
		Success: true,
	}); err != nil {
		o.log.Warn("auto-report failed", zap.String("agent_id", rec.AgentID), zap.Error(err))
	}
}

// SubmitReport persists a child's completion report and runs completion
// handling. Reports for unknown or already-completed children are accepted
// and ignored, keeping the tool path and the file-watcher path idempotent.
func (o *Orchestrator) SubmitReport(ctx context.Context, agentID string, report Report) error {
	o.mu.Lock()
	if o.reported[agentID] {
		o.mu.Unlock()
		return nil
	}
	o.reported[agentID] = true
	rec := o.children[agentID]
	o.mu.Unlock()

	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}

	agentStatus := store.AgentCompleted
	if !report.Success {
		agentStatus = store.AgentError
	}
	if err := o.store.UpdateAgentStatus(ctx, agentID, agentStatus); err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}

	taskID := report.TaskID
	if taskID == "" && rec != nil {
		taskID = rec.TaskID
	}
	if taskID != "" {
		if err := o.applyReportToTask(ctx, taskID, agent, report); err != nil {
			o.log.Warn("failed to apply report to task", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	o.publish(ctx, events.DelegationReportSubmitted, map[string]any{
		"agentId": agentID,
		"taskId":  taskID,
		"success": report.Success,
		"summary": report.Summary,
	})

	if rec == nil {
		// Report from an untracked agent (e.g. after restart): nothing to wake.
		return nil
	}
	o.handleChildCompletion(ctx, rec)
	return nil
}

func (o *Orchestrator) applyReportToTask(ctx context.Context, taskID string, agent *store.Agent, report Report) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = o.store.AtomicUpdateTask(ctx, taskID, task.Version, func(t *store.Task) {
		t.CompletionSummary = report.Summary
		if report.VerificationResults != "" {
			t.VerificationReport = report.VerificationResults
		}
		if report.Success {
			t.Status = store.TaskCompleted
			if agent.Role == store.RoleGate {
				t.VerificationVerdict = store.VerdictApproved
			}
		} else {
			t.Status = store.TaskNeedsFix
			if agent.Role == store.RoleGate {
				t.VerificationVerdict = store.VerdictNotApproved
			}
		}
	})
	return err
}

// HandleChildError transitions a failed child to ERROR, its task to
// NEEDS_FIX, and still wakes the parent.
func (o *Orchestrator) HandleChildError(ctx context.Context, agentID, errMsg string) {
	o.mu.Lock()
	rec := o.children[agentID]
	o.reported[agentID] = true
	o.mu.Unlock()

	if err := o.store.UpdateAgentStatus(ctx, agentID, store.AgentError); err != nil {
		o.log.Warn("failed to mark agent errored", zap.String("agent_id", agentID), zap.Error(err))
	}
	if rec != nil {
		if task, err := o.store.GetTask(ctx, rec.TaskID); err == nil {
			if _, err := o.store.AtomicUpdateTask(ctx, rec.TaskID, task.Version, func(t *store.Task) {
				t.Status = store.TaskNeedsFix
				t.CompletionSummary = errMsg
			}); err != nil {
				o.log.Warn("failed to mark task needs-fix", zap.Error(err))
			}
		}
	}

	o.publish(ctx, events.AgentError, map[string]any{
		"agentId": agentID,
		"error":   errMsg,
	})

	if rec != nil {
		o.handleChildCompletion(ctx, rec)
	}
}

// handleChildCompletion runs the completion pathway exactly once per child:
// tear down per-child resources, then wake the parent directly or via the
// after_all group.
func (o *Orchestrator) handleChildCompletion(ctx context.Context, rec *ChildRecord) {
	o.mu.Lock()
	if o.completedDone[rec.AgentID] {
		o.mu.Unlock()
		return
	}
	o.completedDone[rec.AgentID] = true
	if w, ok := o.watchers[rec.AgentID]; ok {
		w.stop()
		delete(o.watchers, rec.AgentID)
	}
	gid := o.groupByChild[rec.AgentID]
	o.mu.Unlock()

	outcome := o.buildOutcome(ctx, rec)

	if gid == "" {
		o.wakeParent(ctx, rec.ParentSessionID, buildWakeMessage(outcome), outcome)
		return
	}

	o.mu.Lock()
	group, ok := o.groups[gid]
	if !ok {
		o.mu.Unlock()
		o.wakeParent(ctx, rec.ParentSessionID, buildWakeMessage(outcome), outcome)
		return
	}
	group.completed[rec.AgentID] = true
	group.outcomes = append(group.outcomes, outcome)
	done := len(group.completed) == len(group.childAgentIDs)
	var outcomes []childOutcome
	if done {
		outcomes = group.outcomes
		delete(o.groups, gid)
		if o.activeGroup[group.parentAgentID] == gid {
			delete(o.activeGroup, group.parentAgentID)
		}
		for _, childID := range group.childAgentIDs {
			delete(o.groupByChild, childID)
		}
	}
	o.mu.Unlock()

	if done {
		o.wakeParent(ctx, group.parentSessionID, buildGroupWakeMessage(outcomes), outcomes...)
	}
}

func (o *Orchestrator) buildOutcome(ctx context.Context, rec *ChildRecord) childOutcome {
	outcome := childOutcome{AgentRole: string(rec.Role)}
	if agent, err := o.store.GetAgent(ctx, rec.AgentID); err == nil {
		outcome.AgentName = agent.Name
	}
	if task, err := o.store.GetTask(ctx, rec.TaskID); err == nil {
		outcome.TaskTitle = task.Title
		outcome.Status = task.Status
		outcome.Summary = task.CompletionSummary
		outcome.Verdict = task.VerificationVerdict
		outcome.Report = task.VerificationReport
	}
	return outcome
}

// wakeParent pushes a task_completion synthetic update to the parent's
// stream and sends the wake prompt to the parent's session.
func (o *Orchestrator) wakeParent(ctx context.Context, parentSessionID, message string, outcomes ...childOutcome) {
	o.mu.Lock()
	forward := o.forward
	o.mu.Unlock()
	if forward != nil {
		update := map[string]any{
			"sessionId": parentSessionID,
			"update": map[string]any{
				"sessionUpdate": "task_completion",
				"outcomes":      outcomes,
			},
		}
		if payload, err := json.Marshal(update); err == nil {
			forward(parentSessionID, payload)
		}
	}

	o.publish(ctx, events.DelegationParentWoken, map[string]any{
		"sessionId": parentSessionID,
	})

	go func() {
		wakeCtx := context.Background()
		if _, err := o.sessions.GetOrRecreateAdapter(wakeCtx, parentSessionID, nil); err != nil {
			o.log.Warn("wake: parent adapter unavailable",
				zap.String("session_id", parentSessionID), zap.Error(err))
			return
		}
		if err := o.sessions.Prompt(wakeCtx, parentSessionID, message); err != nil {
			o.log.Warn("wake prompt failed",
				zap.String("session_id", parentSessionID), zap.Error(err))
		}
	}()
}

// CancelCascade cancels a session and every child session delegated under it.
func (o *Orchestrator) CancelCascade(ctx context.Context, sessionID string) {
	if err := o.sessions.Cancel(ctx, sessionID); err != nil {
		o.log.Debug("cancel", zap.String("session_id", sessionID), zap.Error(err))
	}
	o.mu.Lock()
	var childSessions []string
	for _, rec := range o.children {
		if rec.ParentSessionID == sessionID {
			childSessions = append(childSessions, rec.SessionID)
		}
	}
	o.mu.Unlock()
	for _, child := range childSessions {
		o.CancelCascade(ctx, child)
	}
}

// Cleanup releases every record whose parent or own session matches and
// kills the corresponding child sessions.
func (o *Orchestrator) Cleanup(sessionID string) {
	o.mu.Lock()
	var doomed []*ChildRecord
	for _, rec := range o.children {
		if rec.ParentSessionID == sessionID || rec.SessionID == sessionID {
			doomed = append(doomed, rec)
		}
	}
	for _, rec := range doomed {
		delete(o.children, rec.AgentID)
		delete(o.agentBySess, rec.SessionID)
		delete(o.groupByChild, rec.AgentID)
		if w, ok := o.watchers[rec.AgentID]; ok {
			w.stop()
			delete(o.watchers, rec.AgentID)
		}
	}
	o.mu.Unlock()

	for _, rec := range doomed {
		if err := o.sessions.KillSession(rec.SessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			o.log.Warn("cleanup: failed to kill child session",
				zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	}
}

// ChildRecordFor returns the record for a child agent id, or nil.
func (o *Orchestrator) ChildRecordFor(agentID string) *ChildRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.children[agentID]; ok {
		copied := *rec
		return &copied
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, subject string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		o.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

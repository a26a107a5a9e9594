// Package background runs detached jobs: a persistent priority+dependency
// queue drained into headless agent sessions, and a workflow executor that
// fans definitions out into queued tasks.
package background

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/routa-dev/routa/internal/bridge"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/events"
	"github.com/routa-dev/routa/internal/events/bus"
	"github.com/routa-dev/routa/internal/session"
	"github.com/routa-dev/routa/internal/store"
)

// Config tunes the engine.
type Config struct {
	// PollInterval is the queue drain tick.
	PollInterval time.Duration
	// OrphanThreshold re-claims RUNNING tasks that never got a session.
	OrphanThreshold time.Duration
	// MaxConcurrent bounds simultaneously running tasks.
	MaxConcurrent   int
	DefaultProvider string
	DefaultCwd      string
}

// turnSettleTimeout bounds how long a finished prompt waits for the turn's
// completed event to arrive through the bridge.
const turnSettleTimeout = 10 * time.Second

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.OrphanThreshold == 0 {
		c.OrphanThreshold = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// Engine drains the background task queue into headless sessions.
type Engine struct {
	log      *logger.Logger
	store    store.Store
	sessions *session.Manager
	bridge   *bridge.Bridge
	bus      bus.EventBus
	cfg      Config
	slots    *semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// onWorkflowTask is called after a workflow-owned task reaches a
	// terminal state; wired to the executor's run bookkeeping.
	onWorkflowTask func(ctx context.Context, task *store.BackgroundTask)
}

// NewEngine creates a background engine.
func NewEngine(st store.Store, sessions *session.Manager, br *bridge.Bridge, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		log:      log.WithFields(zap.String("component", "background-engine")),
		store:    st,
		sessions: sessions,
		bridge:   br,
		bus:      eventBus,
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// SetWorkflowTaskHandler installs the workflow progress callback.
func (e *Engine) SetWorkflowTaskHandler(fn func(ctx context.Context, task *store.BackgroundTask)) {
	e.onWorkflowTask = fn
}

// Enqueue persists a task into the queue.
func (e *Engine) Enqueue(ctx context.Context, task *store.BackgroundTask) error {
	if err := e.store.CreateBackgroundTask(ctx, task); err != nil {
		return err
	}
	e.publish(ctx, events.BackgroundTaskQueued, map[string]any{
		"taskId":   task.ID,
		"title":    task.Title,
		"priority": task.Priority,
	})
	return nil
}

// Start launches the drain loop. Stop with Stop.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(runCtx)
	}()
}

// Stop halts the drain loop and waits for in-flight tasks.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: re-claim orphans, then drain every ready
// task. Exported so tests (and callers that want immediate pickup) can drive
// the engine without the ticker.
func (e *Engine) Tick(ctx context.Context) {
	now := time.Now().UTC()
	e.reclaimOrphans(ctx, now)

	for {
		// Hold a concurrency slot before claiming so a claimed task never
		// waits in memory.
		if !e.slots.TryAcquire(1) {
			return
		}
		task, err := e.store.ClaimNextBackgroundTask(ctx, now)
		if err != nil {
			e.slots.Release(1)
			e.log.Error("failed to claim background task", zap.Error(err))
			return
		}
		if task == nil {
			e.slots.Release(1)
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.slots.Release(1)
			e.runTask(ctx, task)
		}()
	}
}

// reclaimOrphans recovers RUNNING tasks that never obtained a session: back
// to PENDING, or FAILED once attempts are exhausted.
func (e *Engine) reclaimOrphans(ctx context.Context, now time.Time) {
	running, err := e.store.ListBackgroundTasks(ctx, store.BackgroundTaskFilter{Status: store.BackgroundRunning})
	if err != nil {
		e.log.Error("failed to list running tasks", zap.Error(err))
		return
	}
	for _, task := range running {
		if task.ResultSessionID != "" || task.StartedAt == nil {
			continue
		}
		if now.Sub(*task.StartedAt) < e.cfg.OrphanThreshold {
			continue
		}
		if task.Attempts >= task.MaxAttempts {
			task.Status = store.BackgroundFailed
			task.ErrorMessage = fmt.Sprintf("orphaned after %d attempts", task.Attempts)
			completed := now
			task.CompletedAt = &completed
			e.log.Warn("orphaned background task failed",
				zap.String("task_id", task.ID), zap.Int("attempts", task.Attempts))
		} else {
			task.Status = store.BackgroundPending
			task.StartedAt = nil
			e.log.Info("re-claimed orphaned background task",
				zap.String("task_id", task.ID), zap.Int("attempts", task.Attempts))
		}
		if err := e.store.UpdateBackgroundTask(ctx, task); err != nil {
			e.log.Error("failed to update orphaned task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

// runTask drives one claimed task through a headless session.
func (e *Engine) runTask(ctx context.Context, task *store.BackgroundTask) {
	e.publish(ctx, events.BackgroundTaskStarted, map[string]any{"taskId": task.ID})

	provider := task.AgentID
	if provider == "" {
		provider = e.cfg.DefaultProvider
	}
	sessionID, _, err := e.sessions.CreateSession(ctx, session.CreateSessionRequest{
		Cwd:         e.cfg.DefaultCwd,
		Provider:    provider,
		WorkspaceID: task.WorkspaceID,
		Name:        task.Title,
	})
	if err != nil {
		e.finishTask(ctx, task, "", fmt.Errorf("failed to create session: %w", err))
		return
	}

	task.ResultSessionID = sessionID
	if err := e.store.UpdateBackgroundTask(ctx, task); err != nil {
		e.log.Error("failed to persist session id", zap.String("task_id", task.ID), zap.Error(err))
	}

	// Bridge events arrive on the session's dispatch goroutine, so progress
	// accumulates on a private copy of the row guarded by a mutex; the shared
	// task struct is touched again only after the turn has settled.
	progress := &turnProgress{row: *task, done: make(chan struct{})}
	unsubscribe := e.bridge.Subscribe(sessionID, func(event bridge.AgentEvent) {
		e.recordProgress(progress, event)
	})
	defer unsubscribe()
	defer func() {
		if err := e.sessions.KillSession(sessionID); err != nil {
			e.log.Debug("background session teardown", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	err = e.sessions.Prompt(ctx, sessionID, task.Prompt)

	// Prompt resolves off the provider's result channel, but the completed
	// event travels through the bridge asynchronously. Wait for it so the
	// coalesced output lands before the row is finalized.
	if err == nil {
		select {
		case <-progress.done:
		case <-time.After(turnSettleTimeout):
			e.log.Warn("turn never settled, finishing without completed event",
				zap.String("task_id", task.ID), zap.String("session_id", sessionID))
		case <-ctx.Done():
		}
	}

	progress.mu.Lock()
	progress.closed = true
	task.ToolCallCount = progress.row.ToolCallCount
	task.InputTokens = progress.row.InputTokens
	task.OutputTokens = progress.row.OutputTokens
	task.LastActivity = progress.row.LastActivity
	output := progress.output
	progress.mu.Unlock()

	e.finishTask(ctx, task, output, err)
}

// turnProgress tracks one task run's subscriber-side state. row is a private
// copy of the task persisted for live progress; done closes once the turn's
// completed or error event has been seen; closed stops late events from
// writing over the finalized row.
type turnProgress struct {
	mu     sync.Mutex
	row    store.BackgroundTask
	output string
	done   chan struct{}
	once   sync.Once
	closed bool
}

// recordProgress folds a bridge event into the run's progress and persists a
// best-effort snapshot; a failed write is logged and skipped.
func (e *Engine) recordProgress(p *turnProgress, event bridge.AgentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	now := event.Timestamp
	p.row.LastActivity = &now
	switch event.Kind {
	case bridge.EventToolCallStarted:
		p.row.ToolCallCount++
		p.row.CurrentActivity = fmt.Sprintf("tool: %s", event.ToolName)
	case bridge.EventThought:
		p.row.CurrentActivity = "thinking"
	case bridge.EventOutputChunk:
		p.row.CurrentActivity = "responding"
	case bridge.EventCompleted:
		p.row.CurrentActivity = ""
		p.output = event.Text
		if in, out, ok := usageFromRaw(event.Raw); ok {
			p.row.InputTokens += in
			p.row.OutputTokens += out
		}
		p.once.Do(func() { close(p.done) })
	case bridge.EventError:
		p.row.CurrentActivity = ""
		p.once.Do(func() { close(p.done) })
	}
	snapshot := p.row
	if err := e.store.UpdateBackgroundTask(context.Background(), &snapshot); err != nil {
		e.log.Debug("failed to record progress", zap.String("task_id", snapshot.ID), zap.Error(err))
	}
}

// usageFromRaw probes a provider result payload for token usage.
func usageFromRaw(raw json.RawMessage) (int64, int64, bool) {
	if len(raw) == 0 {
		return 0, 0, false
	}
	var probe struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, 0, false
	}
	if probe.Usage.InputTokens == 0 && probe.Usage.OutputTokens == 0 {
		return 0, 0, false
	}
	return probe.Usage.InputTokens, probe.Usage.OutputTokens, true
}

func (e *Engine) finishTask(ctx context.Context, task *store.BackgroundTask, output string, runErr error) {
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.CurrentActivity = ""
	if runErr != nil {
		task.Status = store.BackgroundFailed
		task.ErrorMessage = runErr.Error()
	} else {
		task.Status = store.BackgroundCompleted
		task.TaskOutput = output
	}
	if err := e.store.UpdateBackgroundTask(ctx, task); err != nil {
		e.log.Error("failed to finish background task", zap.String("task_id", task.ID), zap.Error(err))
	}

	e.publish(ctx, events.BackgroundTaskFinished, map[string]any{
		"taskId": task.ID,
		"status": task.Status,
		"error":  task.ErrorMessage,
	})

	if task.WorkflowRunID != "" && e.onWorkflowTask != nil {
		e.onWorkflowTask(ctx, task)
	}
}

func (e *Engine) publish(ctx context.Context, subject string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(subject, "background", data)); err != nil {
		e.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

package background

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/events"
	"github.com/routa-dev/routa/internal/events/bus"
	"github.com/routa-dev/routa/internal/store"
)

// WorkflowStep is one unit of a workflow definition.
type WorkflowStep struct {
	Name          string `yaml:"name"`
	Specialist    string `yaml:"specialist"`
	Input         string `yaml:"input"`
	ParallelGroup string `yaml:"parallel_group,omitempty"`
	Provider      string `yaml:"provider,omitempty"`
}

// WorkflowDefinition is a declarative multi-step job.
type WorkflowDefinition struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Version   string            `yaml:"version"`
	Variables map[string]string `yaml:"variables,omitempty"`
	Steps     []WorkflowStep    `yaml:"steps"`
}

// LoadWorkflowDefinition reads a YAML definition from disk.
func LoadWorkflowDefinition(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if def.ID == "" || len(def.Steps) == 0 {
		return nil, fmt.Errorf("workflow definition needs an id and at least one step")
	}
	return &def, nil
}

// Executor fans workflow definitions out into queued background tasks and
// tracks run progress as those tasks finish.
type Executor struct {
	log    *logger.Logger
	store  store.Store
	engine *Engine
	bus    bus.EventBus

	// mu serializes run progress updates so parallel steps cannot lose a
	// completed-step increment.
	mu sync.Mutex
}

// NewExecutor creates a workflow executor bound to an engine. The engine
// reports workflow task completions back to the executor.
func NewExecutor(st store.Store, engine *Engine, eventBus bus.EventBus, log *logger.Logger) *Executor {
	x := &Executor{
		log:    log.WithFields(zap.String("component", "workflow-executor")),
		store:  st,
		engine: engine,
		bus:    eventBus,
	}
	engine.SetWorkflowTaskHandler(x.handleTaskFinished)
	return x
}

// Execute creates a run and queues every step. Consecutive steps sharing a
// parallel_group fan out together; each group depends on all tasks from the
// groups before it.
func (x *Executor) Execute(ctx context.Context, def *WorkflowDefinition, workspaceID string, triggerSource store.TriggerSource, triggerPayload string) (*store.WorkflowRun, error) {
	started := time.Now().UTC()
	run := &store.WorkflowRun{
		WorkflowID:      def.ID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		WorkspaceID:     workspaceID,
		Status:          store.WorkflowRunRunning,
		TriggerSource:   triggerSource,
		TriggerPayload:  triggerPayload,
		TotalSteps:      len(def.Steps),
		StartedAt:       &started,
	}
	if err := x.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}

	var priorIDs []string
	for _, group := range groupSteps(def.Steps) {
		tasks := make([]*store.BackgroundTask, 0, len(group))
		for _, step := range group {
			tasks = append(tasks, &store.BackgroundTask{
				Title:            step.Name,
				Prompt:           substitute(step.Input, def.Variables, triggerPayload),
				AgentID:          step.Provider,
				WorkspaceID:      workspaceID,
				TriggerSource:    store.TriggerWorkflow,
				TriggeredBy:      def.ID,
				WorkflowRunID:    run.ID,
				WorkflowStepName: step.Name,
				DependsOnTaskIDs: append([]string(nil), priorIDs...),
			})
		}
		// One atomic write per group so a partially-created fan-out can
		// never run.
		if err := x.store.CreateBackgroundTasks(ctx, tasks); err != nil {
			return nil, fmt.Errorf("failed to queue workflow step group: %w", err)
		}
		for _, task := range tasks {
			priorIDs = append(priorIDs, task.ID)
		}
	}

	x.publish(ctx, events.WorkflowRunStarted, map[string]any{
		"runId":      run.ID,
		"workflowId": def.ID,
		"totalSteps": run.TotalSteps,
	})
	return run, nil
}

// handleTaskFinished advances the run when a workflow-owned task terminates.
func (x *Executor) handleTaskFinished(ctx context.Context, task *store.BackgroundTask) {
	x.mu.Lock()
	defer x.mu.Unlock()

	run, err := x.store.GetWorkflowRun(ctx, task.WorkflowRunID)
	if err != nil {
		x.log.Warn("workflow task finished for unknown run",
			zap.String("run_id", task.WorkflowRunID), zap.Error(err))
		return
	}
	if run.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	switch task.Status {
	case store.BackgroundFailed, store.BackgroundCancelled:
		run.Status = store.WorkflowRunFailed
		run.ErrorMessage = fmt.Sprintf("step %s: %s", task.WorkflowStepName, task.ErrorMessage)
		run.CompletedAt = &now
	default:
		run.CompletedSteps++
		run.CurrentStepName = task.WorkflowStepName
		if run.StepOutputs == nil {
			run.StepOutputs = make(map[string]string)
		}
		run.StepOutputs[task.WorkflowStepName] = task.TaskOutput
		if run.CompletedSteps >= run.TotalSteps {
			run.Status = store.WorkflowRunCompleted
			run.CompletedAt = &now
		}
	}

	if err := x.store.UpdateWorkflowRun(ctx, run); err != nil {
		x.log.Warn("failed to update workflow run", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	x.publish(ctx, events.WorkflowRunStepFinished, map[string]any{
		"runId": run.ID,
		"step":  task.WorkflowStepName,
	})
	if run.Status.Terminal() {
		x.publish(ctx, events.WorkflowRunFinished, map[string]any{
			"runId":  run.ID,
			"status": run.Status,
		})
	}
}

// groupSteps folds consecutive steps sharing a parallel_group; steps without
// one form singleton groups.
func groupSteps(steps []WorkflowStep) [][]WorkflowStep {
	var groups [][]WorkflowStep
	for _, step := range steps {
		n := len(groups)
		if step.ParallelGroup != "" && n > 0 {
			last := groups[n-1]
			if last[0].ParallelGroup == step.ParallelGroup {
				groups[n-1] = append(last, step)
				continue
			}
		}
		groups = append(groups, []WorkflowStep{step})
	}
	return groups
}

// substitute expands ${trigger.payload}, ${variables.X}, and ${X} in a step
// input template.
func substitute(input string, variables map[string]string, triggerPayload string) string {
	out := strings.ReplaceAll(input, "${trigger.payload}", triggerPayload)
	for key, value := range variables {
		out = strings.ReplaceAll(out, "${variables."+key+"}", value)
		out = strings.ReplaceAll(out, "${"+key+"}", value)
	}
	return out
}

func (x *Executor) publish(ctx context.Context, subject string, data map[string]any) {
	if x.bus == nil {
		return
	}
	if err := x.bus.Publish(ctx, subject, bus.NewEvent(subject, "workflow", data)); err != nil {
		x.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

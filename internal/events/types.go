// Package events provides event subject constants for the Routa event system.
package events

// Agent lifecycle events.
const (
	AgentCreated   = "agent.created"
	AgentCompleted = "agent.completed"
	AgentError     = "agent.error"
	AgentRenamed   = "agent.renamed"
)

// Task events.
const (
	TaskCreated  = "task.created"
	TaskUpdated  = "task.updated"
	TaskAssigned = "task.assigned"
)

// Delegation events.
const (
	DelegationReportSubmitted = "delegation.report_submitted"
	DelegationChildSpawned    = "delegation.child_spawned"
	DelegationParentWoken     = "delegation.parent_woken"
)

// Session events.
const (
	SessionStarted    = "session.started"
	SessionTerminated = "session.terminated"
)

// Background engine events.
const (
	BackgroundTaskQueued    = "background.task_queued"
	BackgroundTaskStarted   = "background.task_started"
	BackgroundTaskFinished  = "background.task_finished"
	WorkflowRunStarted      = "workflow.run_started"
	WorkflowRunStepFinished = "workflow.run_step_finished"
	WorkflowRunFinished     = "workflow.run_finished"
)

// External trigger events.
const (
	GitHubWebhookReceived = "github.webhook_received"
	GitHubPollBatch       = "github.poll_batch"
)

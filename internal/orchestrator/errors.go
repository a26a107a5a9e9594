package orchestrator

import (
	"fmt"
	"regexp"
)

// Error codes surfaced to tool callers.
const (
	CodeDepthExceeded     = "DELEGATION_DEPTH_EXCEEDED"
	CodeUnknownSpecialist = "UNKNOWN_SPECIALIST"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeSpawnFailed       = "SPAWN_FAILED"
)

// Error carries a stable code plus the single-line user-facing message.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrorCode extracts the orchestrator error code, or "" for foreign errors.
func ErrorCode(err error) string {
	if oe, ok := err.(*Error); ok {
		return oe.Code
	}
	return ""
}

func depthExceededError(maxDepth, depth int) *Error {
	return newError(CodeDepthExceeded, fmt.Sprintf(
		"Cannot create sub-agent: maximum delegation depth (%d) reached. You are at depth %d. Please complete this task directly instead of delegating further.",
		maxDepth, depth))
}

var uuidShape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// taskNotFoundError discriminates UUID-shaped ids from name-like ids and
// points the caller at the right recovery tool.
func taskNotFoundError(taskID string) *Error {
	if uuidShape.MatchString(taskID) {
		return newError(CodeTaskNotFound, fmt.Sprintf(
			"Task %q not found. Use list_tasks to see existing tasks or create_task to create one.",
			taskID))
	}
	return newError(CodeTaskNotFound, fmt.Sprintf(
		"Task %q not found — this looks like a task name, not a UUID. Use create_task to create it first, or convert_task_blocks to materialize tasks from the spec note, then delegate with the returned task id.",
		taskID))
}

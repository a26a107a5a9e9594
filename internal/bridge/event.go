// Package bridge normalizes raw provider update streams into a stable,
// ordered vocabulary of agent events and fans them out to subscribers.
package bridge

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the normalized agent event vocabulary.
type EventKind string

const (
	EventStarted          EventKind = "started"
	EventThought          EventKind = "thought"
	EventOutputChunk      EventKind = "output_chunk"
	EventToolCallStarted  EventKind = "tool_call_started"
	EventToolCallProgress EventKind = "tool_call_progress"
	EventToolCallEnded    EventKind = "tool_call_ended"
	EventCompleted        EventKind = "completed"
	EventError            EventKind = "error"
	EventModeChanged      EventKind = "mode_changed"
)

// AgentEvent is one normalized update. Seq is assigned by the bridge and is
// strictly increasing per session.
type AgentEvent struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	// Text carries chunk/thought content. For Completed events it carries
	// the coalesced output text of the whole turn.
	Text string `json:"text,omitempty"`

	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	ToolResult any            `json:"tool_result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`

	StopReason string `json:"stop_reason,omitempty"`
	ModeID     string `json:"mode_id,omitempty"`
	Error      string `json:"error,omitempty"`

	// Raw preserves the provider payload that produced this event.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Handler receives normalized events for one session, in order.
type Handler func(AgentEvent)

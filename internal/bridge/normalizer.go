package bridge

import (
	"encoding/json"
	"fmt"
)

// Transport names select the normalizer for a session.
const (
	TransportJSONRPC    = "jsonrpc"
	TransportStreamJSON = "streamjson"
	TransportSDK        = "sdk"
)

// Normalizer converts one raw provider update into zero or more events.
// Returned events lack SessionID/Seq/Timestamp; the bridge stamps those.
type Normalizer interface {
	Normalize(params json.RawMessage) []AgentEvent
}

// NormalizerFor returns the normalizer for a transport name.
func NormalizerFor(transport string) (Normalizer, error) {
	switch transport {
	case TransportJSONRPC:
		return jsonrpcNormalizer{}, nil
	case TransportStreamJSON:
		return streamJSONNormalizer{}, nil
	case TransportSDK:
		return sdkNormalizer{}, nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", transport)
	}
}

// jsonrpcNormalizer handles session/update params from JSON-RPC agents:
// {"sessionId": "...", "update": {"sessionUpdate": "...", ...}}.
type jsonrpcNormalizer struct{}

func (jsonrpcNormalizer) Normalize(params json.RawMessage) []AgentEvent {
	var msg struct {
		Update struct {
			SessionUpdate string `json:"sessionUpdate"`
			Content       struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			ToolCallID string         `json:"toolCallId"`
			Title      string         `json:"title"`
			Kind       string         `json:"kind"`
			Status     string         `json:"status"`
			RawInput   map[string]any `json:"rawInput"`
			RawOutput  any            `json:"rawOutput"`
			StopReason string         `json:"stopReason"`
			// Providers encode the current mode either as a plain string or
			// as {"id": "..."}; decoded leniently so a surprise shape cannot
			// fail the whole update.
			CurrentMode json.RawMessage `json:"currentModeId"`
			ModeID      string          `json:"modeId"`
			Error  string `json:"error"`
		} `json:"update"`
	}
	if err := json.Unmarshal(params, &msg); err != nil {
		return nil
	}
	u := msg.Update

	event := AgentEvent{Raw: params}
	switch u.SessionUpdate {
	case "agent_message_chunk":
		event.Kind = EventOutputChunk
		event.Text = u.Content.Text
	case "agent_thought_chunk":
		event.Kind = EventThought
		event.Text = u.Content.Text
	case "tool_call":
		event.Kind = EventToolCallStarted
		event.ToolCallID = u.ToolCallID
		event.ToolName = firstNonEmpty(u.Title, u.Kind)
		event.ToolArgs = u.RawInput
	case "tool_call_update":
		event.ToolCallID = u.ToolCallID
		switch u.Status {
		case "completed":
			event.Kind = EventToolCallEnded
			event.ToolResult = u.RawOutput
		case "failed":
			event.Kind = EventToolCallEnded
			event.ToolResult = u.RawOutput
			event.IsError = true
		default:
			event.Kind = EventToolCallProgress
		}
	case "current_mode_update":
		event.Kind = EventModeChanged
		event.ModeID = firstNonEmpty(decodeModeID(u.CurrentMode), u.ModeID)
	case "completed", "ended":
		event.Kind = EventCompleted
		event.StopReason = firstNonEmpty(u.StopReason, u.SessionUpdate)
	case "error":
		event.Kind = EventError
		event.Error = u.Error
	case "plan":
		// Plans are surfaced raw only.
		return nil
	default:
		return nil
	}
	return []AgentEvent{event}
}

// streamJSONNormalizer handles line-delimited claude CLI messages.
type streamJSONNormalizer struct{}

func (streamJSONNormalizer) Normalize(params json.RawMessage) []AgentEvent {
	var msg struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		IsError bool   `json:"is_error"`
		Result  string `json:"result"`
		Message struct {
			Content []struct {
				Type      string         `json:"type"`
				Text      string         `json:"text"`
				Thinking  string         `json:"thinking"`
				ID        string         `json:"id"`
				Name      string         `json:"name"`
				Input     map[string]any `json:"input"`
				ToolUseID string         `json:"tool_use_id"`
				Content   any            `json:"content"`
				IsError   bool           `json:"is_error"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(params, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []AgentEvent{{Kind: EventStarted, Raw: params}}
		}
		return nil
	case "assistant":
		var events []AgentEvent
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				events = append(events, AgentEvent{Kind: EventOutputChunk, Text: block.Text, Raw: params})
			case "thinking":
				events = append(events, AgentEvent{Kind: EventThought, Text: block.Thinking, Raw: params})
			case "tool_use":
				events = append(events, AgentEvent{
					Kind:       EventToolCallStarted,
					ToolCallID: block.ID,
					ToolName:   block.Name,
					ToolArgs:   block.Input,
					Raw:        params,
				})
			}
		}
		return events
	case "user":
		var events []AgentEvent
		for _, block := range msg.Message.Content {
			if block.Type == "tool_result" {
				events = append(events, AgentEvent{
					Kind:       EventToolCallEnded,
					ToolCallID: block.ToolUseID,
					ToolResult: block.Content,
					IsError:    block.IsError,
					Raw:        params,
				})
			}
		}
		return events
	case "result":
		if msg.IsError {
			return []AgentEvent{{Kind: EventError, Error: msg.Result, Raw: params}}
		}
		return []AgentEvent{{Kind: EventCompleted, StopReason: msg.Subtype, Raw: params}}
	default:
		return nil
	}
}

// sdkNormalizer handles in-process providers, which emit payloads already
// shaped like events: {"kind": "...", "text": "...", ...}.
type sdkNormalizer struct{}

func (sdkNormalizer) Normalize(params json.RawMessage) []AgentEvent {
	var event AgentEvent
	if err := json.Unmarshal(params, &event); err != nil {
		return nil
	}
	if event.Kind == "" {
		return nil
	}
	event.SessionID = ""
	event.Seq = 0
	event.Raw = params
	return []AgentEvent{event}
}

// decodeModeID accepts "default" and {"id": "default"} alike.
func decodeModeID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package main

import (
	"fmt"
	"strings"
)

// respond picks a canned turn for a prompt. Keywords in the prompt select
// the scenario; anything else gets a plain text turn.
func respond(sessionID, prompt string) []map[string]any {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "fail"):
		return []map[string]any{
			resultEvent(sessionID, "error_during_execution", true, "mock failure requested by prompt"),
		}

	case strings.Contains(lower, "tool"):
		return []map[string]any{
			assistantToolUse(sessionID, "toolu_mock_1", "bash", map[string]any{"command": "ls"}),
			toolResult(sessionID, "toolu_mock_1", "README.md\nmain.go"),
			assistantText(sessionID, "Ran the command and inspected the output."),
			resultEvent(sessionID, "success", false, ""),
		}

	case strings.Contains(lower, "think"):
		return []map[string]any{
			assistantThinking(sessionID, "Considering how to proceed."),
			assistantText(sessionID, "Done thinking; proceeding."),
			resultEvent(sessionID, "success", false, ""),
		}

	default:
		return []map[string]any{
			assistantText(sessionID, fmt.Sprintf("Completed: %s", firstLine(prompt))),
			resultEvent(sessionID, "success", false, ""),
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func initEvent(sessionID, model string) map[string]any {
	return map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
		"model":      model,
		"tools":      []string{"bash"},
	}
}

func assistantText(sessionID, text string) map[string]any {
	return assistantMessage(sessionID, map[string]any{"type": "text", "text": text})
}

func assistantThinking(sessionID, thought string) map[string]any {
	return assistantMessage(sessionID, map[string]any{"type": "thinking", "thinking": thought})
}

func assistantToolUse(sessionID, toolUseID, name string, input map[string]any) map[string]any {
	return assistantMessage(sessionID, map[string]any{
		"type":  "tool_use",
		"id":    toolUseID,
		"name":  name,
		"input": input,
	})
}

func assistantMessage(sessionID string, blocks ...map[string]any) map[string]any {
	return map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]any{
			"role":    "assistant",
			"content": blocks,
		},
	}
}

func toolResult(sessionID, toolUseID string, content string) map[string]any {
	return map[string]any{
		"type":       "user",
		"session_id": sessionID,
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{
					"type":        "tool_result",
					"tool_use_id": toolUseID,
					"content":     content,
				},
			},
		},
	}
}

func resultEvent(sessionID, subtype string, isError bool, errText string) map[string]any {
	out := map[string]any{
		"type":       "result",
		"subtype":    subtype,
		"session_id": sessionID,
		"is_error":   isError,
	}
	if errText != "" {
		out["result"] = errText
	}
	return out
}

func controlResponse(requestID string) map[string]any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"request_id": requestID,
			"subtype":    "success",
		},
	}
}

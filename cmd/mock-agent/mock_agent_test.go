package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(lines []map[string]any) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, line["type"].(string))
	}
	return out
}

func TestRespondPlainPrompt(t *testing.T) {
	lines := respond("s1", "Add a hello endpoint\nwith details")
	require.Equal(t, []string{"assistant", "result"}, kinds(lines))

	message := lines[0]["message"].(map[string]any)
	blocks := message["content"].([]map[string]any)
	assert.Equal(t, "Completed: Add a hello endpoint", blocks[0]["text"])

	assert.Equal(t, "success", lines[1]["subtype"])
	assert.Equal(t, false, lines[1]["is_error"])
}

func TestRespondToolScenario(t *testing.T) {
	lines := respond("s1", "use a tool please")
	require.Equal(t, []string{"assistant", "user", "assistant", "result"}, kinds(lines))

	toolUse := lines[0]["message"].(map[string]any)["content"].([]map[string]any)[0]
	assert.Equal(t, "tool_use", toolUse["type"])
	assert.Equal(t, "bash", toolUse["name"])

	result := lines[1]["message"].(map[string]any)["content"].([]map[string]any)[0]
	assert.Equal(t, "tool_result", result["type"])
	assert.Equal(t, toolUse["id"], result["tool_use_id"])
}

func TestRespondFailure(t *testing.T) {
	lines := respond("s1", "please fail this turn")
	require.Len(t, lines, 1)
	assert.Equal(t, "result", lines[0]["type"])
	assert.Equal(t, true, lines[0]["is_error"])
	assert.NotEmpty(t, lines[0]["result"])
}

func TestRespondThinking(t *testing.T) {
	lines := respond("s1", "think hard about it")
	require.Equal(t, []string{"assistant", "assistant", "result"}, kinds(lines))
	block := lines[0]["message"].(map[string]any)["content"].([]map[string]any)[0]
	assert.Equal(t, "thinking", block["type"])
}

func TestInitEventShape(t *testing.T) {
	event := initEvent("mock-session-1", "mock-1")
	assert.Equal(t, "system", event["type"])
	assert.Equal(t, "init", event["subtype"])
	assert.Equal(t, "mock-session-1", event["session_id"])
}

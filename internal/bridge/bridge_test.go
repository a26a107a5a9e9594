package bridge

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-dev/routa/internal/acp"
	"github.com/routa-dev/routa/internal/common/logger"
)

type eventSink struct {
	mu     sync.Mutex
	events []AgentEvent
}

func (s *eventSink) handler(e AgentEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) wait(t *testing.T, n int) []AgentEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		if len(s.events) >= n {
			out := make([]AgentEvent, len(s.events))
			copy(out, s.events)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func update(sessionID string, payload string) acp.Notification {
	return acp.Notification{
		Method:    acp.NotificationMethodUpdate,
		SessionID: sessionID,
		Params:    json.RawMessage(payload),
	}
}

func TestBridgeJSONRPCOrderingAndSeq(t *testing.T) {
	b := New(logger.Default())
	defer b.Close()

	ingest, err := b.Attach("s1", TransportJSONRPC)
	require.NoError(t, err)

	sink := &eventSink{}
	b.Subscribe("s1", sink.handler)

	ingest(update("s1", `{"sessionId":"s1","update":{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"thinking"}}}`))
	ingest(update("s1", `{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello "}}}`))
	ingest(update("s1", `{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"world"}}}`))
	ingest(update("s1", `{"sessionId":"s1","update":{"sessionUpdate":"completed","stopReason":"end_turn"}}`))

	events := sink.wait(t, 4)
	assert.Equal(t, EventThought, events[0].Kind)
	assert.Equal(t, EventOutputChunk, events[1].Kind)
	assert.Equal(t, EventOutputChunk, events[2].Kind)
	assert.Equal(t, EventCompleted, events[3].Kind)
	assert.Equal(t, "end_turn", events[3].StopReason)
	// Completed coalesces the turn's output chunks.
	assert.Equal(t, "hello world", events[3].Text)
	// Sequence numbers are strictly increasing.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestBridgeToolCallTable(t *testing.T) {
	b := New(logger.Default())
	defer b.Close()

	ingest, err := b.Attach("s2", TransportJSONRPC)
	require.NoError(t, err)

	sink := &eventSink{}
	b.Subscribe("s2", sink.handler)

	ingest(update("s2", `{"sessionId":"s2","update":{"sessionUpdate":"tool_call","toolCallId":"tc-1","title":"read_file","rawInput":{"path":"a.go"}}}`))
	ingest(update("s2", `{"sessionId":"s2","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc-1","status":"in_progress"}}`))
	ingest(update("s2", `{"sessionId":"s2","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc-1","status":"completed","rawOutput":"ok"}}`))

	events := sink.wait(t, 3)
	assert.Equal(t, EventToolCallStarted, events[0].Kind)
	assert.Equal(t, "read_file", events[0].ToolName)
	assert.Equal(t, EventToolCallProgress, events[1].Kind)
	// Name resolved from the open tool-call table.
	assert.Equal(t, "read_file", events[1].ToolName)
	assert.Equal(t, EventToolCallEnded, events[2].Kind)
	assert.Equal(t, "read_file", events[2].ToolName)
}

func TestBridgeStreamJSONNormalization(t *testing.T) {
	b := New(logger.Default())
	defer b.Close()

	ingest, err := b.Attach("s3", TransportStreamJSON)
	require.NoError(t, err)

	sink := &eventSink{}
	b.Subscribe("s3", sink.handler)

	ingest(update("s3", `{"type":"system","subtype":"init","session_id":"prov-1"}`))
	ingest(update("s3", `{"type":"assistant","message":{"content":[{"type":"text","text":"done"},{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]}}`))
	ingest(update("s3", `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu-1","content":"files"}]}}`))
	ingest(update("s3", `{"type":"result","subtype":"success","is_error":false}`))

	events := sink.wait(t, 5)
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.Equal(t, EventOutputChunk, events[1].Kind)
	assert.Equal(t, EventToolCallStarted, events[2].Kind)
	assert.Equal(t, "Bash", events[2].ToolName)
	assert.Equal(t, EventToolCallEnded, events[3].Kind)
	assert.Equal(t, EventCompleted, events[4].Kind)
	assert.Equal(t, "success", events[4].StopReason)
}

func TestBridgePanickingSubscriberIsolated(t *testing.T) {
	b := New(logger.Default())
	defer b.Close()

	ingest, err := b.Attach("s4", TransportJSONRPC)
	require.NoError(t, err)

	b.Subscribe("s4", func(AgentEvent) { panic("boom") })
	sink := &eventSink{}
	b.Subscribe("s4", sink.handler)

	ingest(update("s4", `{"sessionId":"s4","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"x"}}}`))

	events := sink.wait(t, 1)
	assert.Equal(t, EventOutputChunk, events[0].Kind)
}

func TestBridgeUnsubscribe(t *testing.T) {
	b := New(logger.Default())
	defer b.Close()

	ingest, err := b.Attach("s5", TransportJSONRPC)
	require.NoError(t, err)

	sink := &eventSink{}
	unsubscribe := b.Subscribe("s5", sink.handler)

	ingest(update("s5", `{"sessionId":"s5","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"a"}}}`))
	sink.wait(t, 1)

	unsubscribe()
	ingest(update("s5", `{"sessionId":"s5","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"b"}}}`))

	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 1)
}

func TestBridgeSDKNormalizer(t *testing.T) {
	b := New(logger.Default())
	defer b.Close()

	ingest, err := b.Attach("s6", TransportSDK)
	require.NoError(t, err)

	sink := &eventSink{}
	b.Subscribe("s6", sink.handler)

	ingest(update("s6", `{"kind":"output_chunk","text":"direct"}`))
	ingest(update("s6", `{"kind":"completed","stop_reason":"end_turn"}`))

	events := sink.wait(t, 2)
	assert.Equal(t, EventOutputChunk, events[0].Kind)
	assert.Equal(t, "direct", events[0].Text)
	assert.Equal(t, EventCompleted, events[1].Kind)
	assert.Equal(t, "direct", events[1].Text)
}

func TestBridgeModeUpdateShapes(t *testing.T) {
	b := New(logger.Default())
	defer b.Close()

	ingest, err := b.Attach("s7", TransportJSONRPC)
	require.NoError(t, err)

	sink := &eventSink{}
	b.Subscribe("s7", sink.handler)

	// Providers send the mode as an object or a bare string; both decode,
	// and neither shape may swallow the surrounding update.
	ingest(update("s7", `{"sessionId":"s7","update":{"sessionUpdate":"current_mode_update","currentModeId":{"id":"plan"}}}`))
	ingest(update("s7", `{"sessionId":"s7","update":{"sessionUpdate":"current_mode_update","currentModeId":"default"}}`))
	ingest(update("s7", `{"sessionId":"s7","update":{"sessionUpdate":"current_mode_update","currentModeId":42,"modeId":"fallback"}}`))

	events := sink.wait(t, 3)
	assert.Equal(t, EventModeChanged, events[0].Kind)
	assert.Equal(t, "plan", events[0].ModeID)
	assert.Equal(t, EventModeChanged, events[1].Kind)
	assert.Equal(t, "default", events[1].ModeID)
	assert.Equal(t, EventModeChanged, events[2].Kind)
	assert.Equal(t, "fallback", events[2].ModeID)
}

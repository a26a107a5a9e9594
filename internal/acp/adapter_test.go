package acp

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-dev/routa/internal/common/logger"
)

func TestInProcessSDKPromptEmitsUpdates(t *testing.T) {
	log := logger.Default()
	adapter := NewInProcessSDK("test", func(ctx context.Context, sessionID, text string, emit func(Notification)) error {
		emit(Notification{Method: NotificationMethodUpdate, Params: json.RawMessage(`{"chunk":"hello"}`)})
		emit(Notification{Method: NotificationMethodUpdate, Params: json.RawMessage(`{"chunk":"world"}`)})
		return nil
	}, log)

	var mu sync.Mutex
	var got []Notification
	adapter.SetNotificationHandler(func(n Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))
	require.NoError(t, adapter.Initialize(ctx))

	sessionID, err := adapter.NewSession(ctx, "/tmp", SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, adapter.Prompt(ctx, sessionID, "hi"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, sessionID, got[0].SessionID)
}

func TestInProcessSDKCancelThenPrompt(t *testing.T) {
	log := logger.Default()
	started := make(chan struct{})
	adapter := NewInProcessSDK("test", func(ctx context.Context, sessionID, text string, emit func(Notification)) error {
		if text == "slow" {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, log)

	ctx := context.Background()
	sessionID, err := adapter.NewSession(ctx, "/tmp", SessionOptions{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- adapter.Prompt(ctx, sessionID, "slow")
	}()

	<-started
	require.NoError(t, adapter.Cancel(ctx, sessionID))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("prompt did not return after cancel")
	}

	// A fresh prompt after cancel is accepted.
	assert.NoError(t, adapter.Prompt(ctx, sessionID, "fast"))
}

func TestInProcessSDKKill(t *testing.T) {
	adapter := NewInProcessSDK("test", func(ctx context.Context, sessionID, text string, emit func(Notification)) error {
		return nil
	}, logger.Default())

	require.NoError(t, adapter.Kill())
	require.NoError(t, adapter.Kill()) // idempotent

	assert.False(t, adapter.Alive())
	assert.ErrorIs(t, adapter.Start(context.Background()), ErrAdapterDead)
	assert.ErrorIs(t, adapter.Initialize(context.Background()), ErrAdapterDead)
	_, err := adapter.NewSession(context.Background(), "/tmp", SessionOptions{})
	assert.ErrorIs(t, err, ErrAdapterDead)
	assert.ErrorIs(t, adapter.Prompt(context.Background(), "s", "hi"), ErrAdapterDead)
}

func TestInProcessSDKUnknownSession(t *testing.T) {
	adapter := NewInProcessSDK("test", func(ctx context.Context, sessionID, text string, emit func(Notification)) error {
		return nil
	}, logger.Default())
	err := adapter.Prompt(context.Background(), "nope", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session")
}

// fakeAgent answers JSON-RPC requests over pipes the way an agent binary
// would over stdio.
type fakeAgent struct {
	in  io.Reader
	out io.Writer
}

func (f *fakeAgent) run(t *testing.T) {
	dec := json.NewDecoder(f.in)
	enc := json.NewEncoder(f.out)
	for {
		var msg rpcMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		switch msg.Method {
		case "initialize":
			f.reply(enc, msg.ID, map[string]any{
				"protocolVersion": 1,
				"agentInfo":       map[string]string{"name": "fake", "version": "0.1"},
			})
		case "session/new":
			f.reply(enc, msg.ID, map[string]any{"sessionId": "sess-1"})
		case "session/prompt":
			// Stream an update before ending the turn.
			_ = enc.Encode(rpcMessage{
				JSONRPC: "2.0",
				Method:  "session/update",
				Params:  json.RawMessage(`{"sessionId":"sess-1","update":{"sessionUpdate":"agent_message_chunk"}}`),
			})
			f.reply(enc, msg.ID, map[string]any{"stopReason": "end_turn"})
		case "session/set_mode":
			f.reply(enc, msg.ID, map[string]any{})
		default:
			if msg.ID != nil {
				_ = enc.Encode(rpcMessage{
					JSONRPC: "2.0", ID: msg.ID,
					Error: &rpcError{Code: -32601, Message: "method not found"},
				})
			}
		}
	}
}

func (f *fakeAgent) reply(enc *json.Encoder, id *int64, result any) {
	data, _ := json.Marshal(result)
	_ = enc.Encode(rpcMessage{JSONRPC: "2.0", ID: id, Result: data})
}

func TestRPCConnRoundTrip(t *testing.T) {
	clientIn, agentOut := io.Pipe()
	agentIn, clientOut := io.Pipe()
	agent := &fakeAgent{in: agentIn, out: agentOut}
	go agent.run(t)

	conn := newRPCConn(clientOut, logger.Default())

	var mu sync.Mutex
	var notifications []Notification
	conn.setNotificationHandler(func(method string, params json.RawMessage) {
		mu.Lock()
		notifications = append(notifications, Notification{Method: method, Params: params})
		mu.Unlock()
	})
	go conn.readLoop(clientIn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var initResult struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	require.NoError(t, conn.call(ctx, "initialize", map[string]any{"protocolVersion": 1}, &initResult))
	assert.Equal(t, 1, initResult.ProtocolVersion)

	var sessResult struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, conn.call(ctx, "session/new", map[string]any{"cwd": "/tmp"}, &sessResult))
	assert.Equal(t, "sess-1", sessResult.SessionID)

	var turnResult struct {
		StopReason string `json:"stopReason"`
	}
	require.NoError(t, conn.call(ctx, "session/prompt", map[string]any{"sessionId": "sess-1"}, &turnResult))
	assert.Equal(t, "end_turn", turnResult.StopReason)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notifications, 1)
	assert.Equal(t, "session/update", notifications[0].Method)

	require.NoError(t, clientIn.Close())
	require.NoError(t, clientOut.Close())
}

func TestRPCConnCallFailsWhenClosed(t *testing.T) {
	_, w := io.Pipe()
	conn := newRPCConn(w, logger.Default())
	conn.fail(ErrAdapterDead)
	err := conn.call(context.Background(), "initialize", nil, nil)
	assert.ErrorIs(t, err, ErrAdapterDead)
}

func TestStreamJSONHandleLine(t *testing.T) {
	adapter := NewSubprocessStreamJSON(Config{Provider: "claude"}, logger.Default())
	adapter.sessionID = "ext-1"

	var mu sync.Mutex
	var got []Notification
	adapter.SetNotificationHandler(func(n Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	resultCh := make(chan promptResult, 1)
	adapter.resultCh = resultCh

	adapter.handleLine([]byte(`{"type":"system","subtype":"init","session_id":"prov-9"}`))
	assert.Equal(t, "prov-9", adapter.providerSessionID)

	adapter.handleLine([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`))
	adapter.handleLine([]byte(`{"type":"result","subtype":"success","is_error":false}`))

	select {
	case result := <-resultCh:
		assert.False(t, result.isError)
	default:
		t.Fatal("result message did not complete the turn")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	for _, n := range got {
		assert.Equal(t, NotificationMethodUpdate, n.Method)
		assert.Equal(t, "ext-1", n.SessionID)
	}
}

func TestStreamJSONResultError(t *testing.T) {
	adapter := NewSubprocessStreamJSON(Config{Provider: "claude"}, logger.Default())
	resultCh := make(chan promptResult, 1)
	adapter.resultCh = resultCh

	adapter.handleLine([]byte(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}`))

	result := <-resultCh
	assert.True(t, result.isError)
	assert.Equal(t, "boom", result.errText)
}

func TestProcessKillBeforeStart(t *testing.T) {
	p := newProcess(logger.Default())
	require.NoError(t, p.kill())
	require.NoError(t, p.kill())
	assert.False(t, p.alive())
	assert.ErrorIs(t, p.start([]string{"true"}, "", nil), ErrAdapterDead)
}

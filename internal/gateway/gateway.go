// Package gateway streams session updates to clients as {sessionId, update}
// envelopes, over server-sent events or a WebSocket attach.
package gateway

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/bridge"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/session"
)

// streamBuffer bounds each attached client's queue. A client that cannot
// keep up loses updates instead of stalling the bridge.
const streamBuffer = 256

// Gateway fans session updates out to attached clients. Bridge events are
// wrapped in envelopes; child updates arrive pre-wrapped from the
// orchestrator with the parent's sessionId on the outside.
type Gateway struct {
	log      *logger.Logger
	bridge   *bridge.Bridge
	sessions *session.Manager

	mu      sync.Mutex
	nextID  int64
	streams map[string]map[int64]chan []byte
	unsubs  map[string]func()
}

// New creates a gateway over the given bridge. sessions may be nil when the
// listing route is not needed.
func New(br *bridge.Bridge, sessions *session.Manager, log *logger.Logger) *Gateway {
	return &Gateway{
		log:      log.WithFields(zap.String("component", "gateway")),
		bridge:   br,
		sessions: sessions,
		streams:  make(map[string]map[int64]chan []byte),
		unsubs:   make(map[string]func()),
	}
}

// Attach subscribes a client to a session's update stream. The returned
// channel delivers marshalled envelopes; the detach function releases the
// subscription and, for the last client, the bridge subscription.
func (g *Gateway) Attach(sessionID string) (<-chan []byte, func()) {
	ch := make(chan []byte, streamBuffer)

	g.mu.Lock()
	g.nextID++
	id := g.nextID
	if g.streams[sessionID] == nil {
		g.streams[sessionID] = make(map[int64]chan []byte)
		g.unsubs[sessionID] = g.bridge.Subscribe(sessionID, func(e bridge.AgentEvent) {
			g.dispatch(sessionID, envelope(sessionID, e))
		})
	}
	g.streams[sessionID][id] = ch
	g.mu.Unlock()

	g.log.Debug("client attached", zap.String("session_id", sessionID))

	detach := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		clients, ok := g.streams[sessionID]
		if !ok {
			return
		}
		if _, ok := clients[id]; !ok {
			return
		}
		delete(clients, id)
		close(ch)
		if len(clients) == 0 {
			delete(g.streams, sessionID)
			if unsub := g.unsubs[sessionID]; unsub != nil {
				unsub()
			}
			delete(g.unsubs, sessionID)
		}
	}
	return ch, detach
}

// ForwardChildUpdate pushes a pre-built envelope onto the parent session's
// stream. It satisfies the orchestrator's forwarder hook.
func (g *Gateway) ForwardChildUpdate(parentSessionID string, payload []byte) {
	g.dispatch(parentSessionID, payload)
}

// AttachedClients reports how many clients are attached to a session.
func (g *Gateway) AttachedClients(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.streams[sessionID])
}

func (g *Gateway) dispatch(sessionID string, payload []byte) {
	if payload == nil {
		return
	}
	g.mu.Lock()
	clients := make([]chan []byte, 0, len(g.streams[sessionID]))
	for _, ch := range g.streams[sessionID] {
		clients = append(clients, ch)
	}
	g.mu.Unlock()

	for _, ch := range clients {
		select {
		case ch <- payload:
		default:
			g.log.Warn("dropping update, client stream full",
				zap.String("session_id", sessionID))
		}
	}
}

// envelope wraps one bridge event as {sessionId, update} with sessionUpdate
// discriminating the kind.
func envelope(sessionID string, e bridge.AgentEvent) []byte {
	update := map[string]any{
		"sessionUpdate": string(e.Kind),
	}
	if e.Seq != 0 {
		update["seq"] = e.Seq
	}
	if !e.Timestamp.IsZero() {
		update["timestamp"] = e.Timestamp
	}
	if e.Text != "" {
		update["text"] = e.Text
	}
	if e.ToolCallID != "" {
		update["toolCallId"] = e.ToolCallID
	}
	if e.ToolName != "" {
		update["toolName"] = e.ToolName
	}
	if e.ToolArgs != nil {
		update["toolArgs"] = e.ToolArgs
	}
	if e.ToolResult != nil {
		update["toolResult"] = e.ToolResult
	}
	if e.IsError {
		update["isError"] = true
	}
	if e.StopReason != "" {
		update["stopReason"] = e.StopReason
	}
	if e.ModeID != "" {
		update["modeId"] = e.ModeID
	}
	if e.Error != "" {
		update["error"] = e.Error
	}

	payload, err := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
	if err != nil {
		return nil
	}
	return payload
}

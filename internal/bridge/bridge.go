package bridge

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/acp"
	"github.com/routa-dev/routa/internal/common/logger"
)

// queueSize bounds the per-session raw update queue. Updates beyond it are
// dropped with a warning rather than blocking the adapter's read loop.
const queueSize = 256

// methodStarted is the internal queue marker for synthetic Started events.
const methodStarted = "bridge/started"

// Bridge owns per-session normalization state and subscriber fan-out. Each
// session has exactly one dispatch goroutine, so handlers observe events in
// normalization order.
type Bridge struct {
	log *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	id         string
	normalizer Normalizer

	queue chan acp.Notification
	done  chan struct{}

	// Dispatch-goroutine state; no lock needed.
	seq       int64
	openCalls map[string]string // toolCallId -> name
	turnText  strings.Builder

	subMu  sync.Mutex
	nextID int64
	subs   map[int64]Handler
}

// New creates an empty bridge.
func New(log *logger.Logger) *Bridge {
	return &Bridge{
		log:      log.WithFields(zap.String("component", "bridge")),
		sessions: make(map[string]*sessionState),
	}
}

// Attach registers a session for the given transport and returns the
// notification handler to install on its adapter. Attaching an already
// attached session reuses the existing state.
func (b *Bridge) Attach(sessionID, transport string) (acp.NotificationHandler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.sessions[sessionID]; ok {
		return b.ingestFunc(st), nil
	}

	normalizer, err := NormalizerFor(transport)
	if err != nil {
		return nil, err
	}
	st := &sessionState{
		id:         sessionID,
		normalizer: normalizer,
		queue:      make(chan acp.Notification, queueSize),
		done:       make(chan struct{}),
		openCalls:  make(map[string]string),
		subs:       make(map[int64]Handler),
	}
	b.sessions[sessionID] = st
	go b.dispatchLoop(st)
	return b.ingestFunc(st), nil
}

func (b *Bridge) ingestFunc(st *sessionState) acp.NotificationHandler {
	return func(n acp.Notification) {
		if n.Method != acp.NotificationMethodUpdate {
			return
		}
		select {
		case st.queue <- n:
		case <-st.done:
		default:
			b.log.Warn("dropping update, session queue full",
				zap.String("session_id", st.id))
		}
	}
}

// Subscribe registers a handler for a session's events. The returned function
// unsubscribes. Subscribing to an unknown session is allowed; the handler
// fires once the session attaches.
func (b *Bridge) Subscribe(sessionID string, handler Handler) func() {
	b.mu.Lock()
	st, ok := b.sessions[sessionID]
	if !ok {
		// Pre-subscription: create state with the sdk normalizer as a
		// placeholder; Attach keeps existing state.
		st = &sessionState{
			id:         sessionID,
			normalizer: sdkNormalizer{},
			queue:      make(chan acp.Notification, queueSize),
			done:       make(chan struct{}),
			openCalls:  make(map[string]string),
			subs:       make(map[int64]Handler),
		}
		b.sessions[sessionID] = st
		go b.dispatchLoop(st)
	}
	b.mu.Unlock()

	st.subMu.Lock()
	st.nextID++
	id := st.nextID
	st.subs[id] = handler
	st.subMu.Unlock()

	return func() {
		st.subMu.Lock()
		delete(st.subs, id)
		st.subMu.Unlock()
	}
}

// EmitStarted publishes a synthetic Started event for a session.
func (b *Bridge) EmitStarted(sessionID string) {
	b.mu.Lock()
	st, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case st.queue <- acp.Notification{Method: methodStarted, SessionID: sessionID}:
	default:
	}
}

// Detach tears down a session's dispatch loop and subscribers.
func (b *Bridge) Detach(sessionID string) {
	b.mu.Lock()
	st, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if ok {
		close(st.done)
	}
}

// Close detaches every session.
func (b *Bridge) Close() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*sessionState)
	b.mu.Unlock()
	for _, st := range sessions {
		close(st.done)
	}
}

func (b *Bridge) dispatchLoop(st *sessionState) {
	for {
		select {
		case <-st.done:
			return
		case n := <-st.queue:
			if n.Method == methodStarted {
				b.deliver(st, AgentEvent{Kind: EventStarted})
				continue
			}
			for _, event := range st.normalizer.Normalize(n.Params) {
				b.deliver(st, event)
			}
		}
	}
}

func (b *Bridge) deliver(st *sessionState, event AgentEvent) {
	st.seq++
	event.Seq = st.seq
	event.SessionID = st.id
	event.Timestamp = time.Now().UTC()

	switch event.Kind {
	case EventOutputChunk:
		st.turnText.WriteString(event.Text)
	case EventToolCallStarted:
		if event.ToolCallID != "" {
			st.openCalls[event.ToolCallID] = event.ToolName
		}
	case EventToolCallProgress, EventToolCallEnded:
		if event.ToolName == "" {
			event.ToolName = st.openCalls[event.ToolCallID]
		}
		if event.Kind == EventToolCallEnded {
			delete(st.openCalls, event.ToolCallID)
		}
	case EventCompleted:
		// Completed carries the coalesced output of the turn.
		if event.Text == "" {
			event.Text = st.turnText.String()
		}
		st.turnText.Reset()
	case EventError:
		st.turnText.Reset()
	}

	st.subMu.Lock()
	handlers := make([]Handler, 0, len(st.subs))
	for _, h := range st.subs {
		handlers = append(handlers, h)
	}
	st.subMu.Unlock()

	for _, h := range handlers {
		b.safeCall(h, event)
	}
}

// safeCall isolates panicking subscribers.
func (b *Bridge) safeCall(h Handler, event AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				zap.String("session_id", event.SessionID),
				zap.Any("panic", r))
		}
	}()
	h(event)
}

package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
)

// protocolVersion is the agent client protocol version this client speaks.
const protocolVersion = 1

// SubprocessJSONRPC drives an agent binary over JSON-RPC 2.0 on stdio. The
// agent protocol methods used: initialize, session/new, session/prompt,
// session/set_mode, session/cancel; session/update notifications stream back.
type SubprocessJSONRPC struct {
	cfg  Config
	log  *logger.Logger
	proc *process
	conn *rpcConn

	mu          sync.Mutex
	initialized bool
	handler     NotificationHandler
}

var _ Adapter = (*SubprocessJSONRPC)(nil)

// NewSubprocessJSONRPC creates a JSON-RPC subprocess adapter. Call Start
// before Initialize.
func NewSubprocessJSONRPC(cfg Config, log *logger.Logger) *SubprocessJSONRPC {
	return &SubprocessJSONRPC{
		cfg:  cfg,
		log:  log.WithFields(zap.String("adapter", "jsonrpc"), zap.String("provider", cfg.Provider)),
		proc: newProcess(log),
	}
}

func (a *SubprocessJSONRPC) Provider() string { return a.cfg.Provider }

func (a *SubprocessJSONRPC) Start(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.proc.start(a.cfg.Command, a.cfg.WorkDir, a.cfg.Env); err != nil {
		return err
	}
	if a.conn == nil {
		a.conn = newRPCConn(a.proc.writer(), a.log)
		a.conn.setNotificationHandler(a.onNotification)
		a.conn.setRequestHandler(a.onServerRequest)
		go a.conn.readLoop(a.proc.reader())
	}
	return nil
}

func (a *SubprocessJSONRPC) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return nil
	}
	conn := a.conn
	a.mu.Unlock()

	if conn == nil || !a.proc.alive() {
		return ErrAdapterDead
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"clientCapabilities": map[string]any{
			"fs": map[string]bool{"readTextFile": false, "writeTextFile": false},
		},
	}
	var result struct {
		ProtocolVersion int `json:"protocolVersion"`
		AgentInfo       struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"agentInfo"`
	}
	if err := conn.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()

	a.log.Info("agent initialized",
		zap.String("agent", result.AgentInfo.Name),
		zap.String("version", result.AgentInfo.Version))
	return nil
}

func (a *SubprocessJSONRPC) NewSession(ctx context.Context, cwd string, opts SessionOptions) (string, error) {
	if !a.Alive() {
		return "", ErrAdapterDead
	}
	params := map[string]any{
		"cwd":        cwd,
		"mcpServers": []any{},
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := a.conn.call(ctx, "session/new", params, &result); err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}
	if opts.ModeID != "" {
		if err := a.SetMode(ctx, result.SessionID, opts.ModeID); err != nil {
			a.log.Warn("initial mode not applied", zap.Error(err))
		}
	}
	return result.SessionID, nil
}

func (a *SubprocessJSONRPC) Prompt(ctx context.Context, sessionID, text string) error {
	if !a.Alive() {
		return ErrAdapterDead
	}
	params := map[string]any{
		"sessionId": sessionID,
		"prompt": []map[string]any{
			{"type": "text", "text": text},
		},
	}
	var result struct {
		StopReason string `json:"stopReason"`
	}
	if err := a.conn.call(ctx, "session/prompt", params, &result); err != nil {
		if !a.proc.alive() {
			return fmt.Errorf("%w: %s", ErrAdapterDead, a.proc.stderrContext())
		}
		return fmt.Errorf("session/prompt failed: %w", err)
	}
	a.log.Debug("prompt turn ended",
		zap.String("session_id", sessionID),
		zap.String("stop_reason", result.StopReason))
	return nil
}

func (a *SubprocessJSONRPC) SetMode(ctx context.Context, sessionID, modeID string) error {
	if !a.Alive() {
		return ErrAdapterDead
	}
	params := map[string]any{"sessionId": sessionID, "modeId": modeID}
	if err := a.conn.call(ctx, "session/set_mode", params, nil); err != nil {
		return fmt.Errorf("session/set_mode failed: %w", err)
	}
	return nil
}

func (a *SubprocessJSONRPC) Cancel(_ context.Context, sessionID string) error {
	if !a.Alive() {
		return ErrAdapterDead
	}
	return a.conn.notifySend("session/cancel", map[string]any{"sessionId": sessionID})
}

func (a *SubprocessJSONRPC) SetNotificationHandler(handler NotificationHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *SubprocessJSONRPC) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && a.proc.alive()
}

func (a *SubprocessJSONRPC) Kill() error {
	if a.conn != nil {
		a.conn.fail(ErrAdapterDead)
	}
	return a.proc.kill()
}

func (a *SubprocessJSONRPC) onNotification(method string, params json.RawMessage) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	var probe struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(params, &probe)
	handler(Notification{Method: method, SessionID: probe.SessionID, Params: params})
}

// onServerRequest answers agent-initiated requests. Permission asks are
// auto-approved with the first offered option; agents run pre-sandboxed.
func (a *SubprocessJSONRPC) onServerRequest(method string, params json.RawMessage) (any, error) {
	if method != "session/request_permission" {
		return nil, fmt.Errorf("unsupported request: %s", method)
	}
	var req struct {
		Options []struct {
			OptionID string `json:"optionId"`
			Kind     string `json:"kind"`
		} `json:"options"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("malformed permission request: %w", err)
	}
	optionID := "allow"
	for _, opt := range req.Options {
		if opt.Kind == "allow_always" || opt.Kind == "allow_once" {
			optionID = opt.OptionID
			break
		}
	}
	return map[string]any{
		"outcome": map[string]any{"outcome": "selected", "optionId": optionID},
	}, nil
}

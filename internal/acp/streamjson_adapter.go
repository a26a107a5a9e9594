package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
)

// SubprocessStreamJSON drives a CLI agent that speaks line-delimited JSON on
// stdio (claude --input-format stream-json --output-format stream-json).
// Sessions are implicit: the provider's own session id arrives in the first
// type:"system" subtype:"init" event; the adapter keeps the externally
// visible session id stable and maps to the provider id internally.
type SubprocessStreamJSON struct {
	cfg  Config
	log  *logger.Logger
	proc *process

	mu                sync.Mutex
	started           bool
	initialized       bool
	handler           NotificationHandler
	sessionID         string // external id, generated locally
	providerSessionID string // provider-assigned id from the init event
	resultCh          chan promptResult
}

type promptResult struct {
	isError bool
	errText string
}

var _ Adapter = (*SubprocessStreamJSON)(nil)

// NewSubprocessStreamJSON creates a stream-JSON subprocess adapter.
func NewSubprocessStreamJSON(cfg Config, log *logger.Logger) *SubprocessStreamJSON {
	return &SubprocessStreamJSON{
		cfg:  cfg,
		log:  log.WithFields(zap.String("adapter", "streamjson"), zap.String("provider", cfg.Provider)),
		proc: newProcess(log),
	}
}

func (a *SubprocessStreamJSON) Provider() string { return a.cfg.Provider }

func (a *SubprocessStreamJSON) Start(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.proc.start(a.cfg.Command, a.cfg.WorkDir, a.cfg.Env); err != nil {
		return err
	}
	if !a.started {
		a.started = true
		go a.readLoop(a.proc.reader())
	}
	return nil
}

// Initialize is a handshake no-op for stream JSON; the provider announces
// itself in the first init event instead.
func (a *SubprocessStreamJSON) Initialize(_ context.Context) error {
	if !a.proc.alive() {
		return ErrAdapterDead
	}
	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	return nil
}

// NewSession allocates the external session id. The provider creates its own
// session lazily on the first prompt.
func (a *SubprocessStreamJSON) NewSession(_ context.Context, _ string, _ SessionOptions) (string, error) {
	if !a.proc.alive() {
		return "", ErrAdapterDead
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == "" {
		a.sessionID = uuid.New().String()
	}
	return a.sessionID, nil
}

func (a *SubprocessStreamJSON) Prompt(ctx context.Context, sessionID, text string) error {
	if !a.proc.alive() {
		return ErrAdapterDead
	}
	a.mu.Lock()
	resultCh := make(chan promptResult, 1)
	a.resultCh = resultCh
	providerID := a.providerSessionID
	a.mu.Unlock()

	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	if providerID != "" {
		msg["session_id"] = providerID
	}
	if err := a.writeLine(msg); err != nil {
		a.clearResult()
		return err
	}

	select {
	case <-ctx.Done():
		a.clearResult()
		return ctx.Err()
	case result, ok := <-resultCh:
		a.clearResult()
		if !ok {
			return fmt.Errorf("%w: %s", ErrAdapterDead, a.proc.stderrContext())
		}
		if result.isError {
			return fmt.Errorf("prompt failed: %s", result.errText)
		}
		a.log.Debug("prompt turn ended", zap.String("session_id", sessionID))
		return nil
	}
}

// SetMode maps mode switches onto the CLI's permission mode control request.
func (a *SubprocessStreamJSON) SetMode(_ context.Context, _, modeID string) error {
	if !a.proc.alive() {
		return ErrAdapterDead
	}
	return a.writeLine(map[string]any{
		"type":       "control_request",
		"request_id": uuid.New().String(),
		"request": map[string]any{
			"subtype": "set_permission_mode",
			"mode":    modeID,
		},
	})
}

func (a *SubprocessStreamJSON) Cancel(_ context.Context, _ string) error {
	if !a.proc.alive() {
		return ErrAdapterDead
	}
	return a.writeLine(map[string]any{
		"type":       "control_request",
		"request_id": uuid.New().String(),
		"request":    map[string]any{"subtype": "interrupt"},
	})
}

func (a *SubprocessStreamJSON) SetNotificationHandler(handler NotificationHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *SubprocessStreamJSON) Alive() bool { return a.proc.alive() }

func (a *SubprocessStreamJSON) Kill() error {
	err := a.proc.kill()
	a.mu.Lock()
	if a.resultCh != nil {
		close(a.resultCh)
		a.resultCh = nil
	}
	a.mu.Unlock()
	return err
}

func (a *SubprocessStreamJSON) clearResult() {
	a.mu.Lock()
	a.resultCh = nil
	a.mu.Unlock()
}

func (a *SubprocessStreamJSON) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')
	w := a.proc.writer()
	if w == nil {
		return ErrAdapterDead
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (a *SubprocessStreamJSON) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		a.handleLine(line)
	}
	// Transport gone; unblock any in-flight prompt.
	a.mu.Lock()
	if a.resultCh != nil {
		close(a.resultCh)
		a.resultCh = nil
	}
	a.mu.Unlock()
}

func (a *SubprocessStreamJSON) handleLine(line []byte) {
	var probe struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
		IsError   bool   `json:"is_error"`
		Result    string `json:"result"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		a.log.Warn("dropping malformed stream line", zap.Error(err))
		return
	}

	a.mu.Lock()
	if probe.Type == "system" && probe.Subtype == "init" && probe.SessionID != "" {
		a.providerSessionID = probe.SessionID
	}
	sessionID := a.sessionID
	handler := a.handler
	resultCh := a.resultCh
	a.mu.Unlock()

	if handler != nil {
		handler(Notification{
			Method:    NotificationMethodUpdate,
			SessionID: sessionID,
			Params:    json.RawMessage(line),
		})
	}

	if probe.Type == "result" && resultCh != nil {
		select {
		case resultCh <- promptResult{isError: probe.IsError, errText: probe.Result}:
		default:
		}
	}
}

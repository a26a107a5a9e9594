package acp

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
)

// PromptFunc runs one prompt turn for an in-process provider. Implementations
// emit raw updates through emit and return when the turn ends. The context is
// cancelled by Cancel and Kill.
type PromptFunc func(ctx context.Context, sessionID, text string, emit func(Notification)) error

// InProcessSDK satisfies the Adapter contract without a subprocess. Server
// API providers and tests plug in a PromptFunc.
type InProcessSDK struct {
	provider string
	prompt   PromptFunc
	log      *logger.Logger

	mu       sync.Mutex
	handler  NotificationHandler
	killed   bool
	sessions map[string]bool
	inflight map[string]context.CancelFunc
}

var _ Adapter = (*InProcessSDK)(nil)

// NewInProcessSDK creates an in-process adapter for the given provider.
func NewInProcessSDK(provider string, prompt PromptFunc, log *logger.Logger) *InProcessSDK {
	return &InProcessSDK{
		provider: provider,
		prompt:   prompt,
		log:      log.WithFields(zap.String("adapter", "sdk"), zap.String("provider", provider)),
		sessions: make(map[string]bool),
		inflight: make(map[string]context.CancelFunc),
	}
}

func (a *InProcessSDK) Provider() string { return a.provider }

func (a *InProcessSDK) Start(_ context.Context) error {
	if !a.Alive() {
		return ErrAdapterDead
	}
	return nil
}

func (a *InProcessSDK) Initialize(_ context.Context) error {
	if !a.Alive() {
		return ErrAdapterDead
	}
	return nil
}

func (a *InProcessSDK) NewSession(_ context.Context, _ string, _ SessionOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.killed {
		return "", ErrAdapterDead
	}
	id := uuid.New().String()
	a.sessions[id] = true
	return id, nil
}

func (a *InProcessSDK) Prompt(ctx context.Context, sessionID, text string) error {
	a.mu.Lock()
	if a.killed {
		a.mu.Unlock()
		return ErrAdapterDead
	}
	if !a.sessions[sessionID] {
		a.mu.Unlock()
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.inflight[sessionID] = cancel
	handler := a.handler
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.inflight, sessionID)
		a.mu.Unlock()
	}()

	emit := func(n Notification) {
		if n.SessionID == "" {
			n.SessionID = sessionID
		}
		if handler != nil {
			handler(n)
		}
	}
	if err := a.prompt(turnCtx, sessionID, text, emit); err != nil {
		return fmt.Errorf("prompt failed: %w", err)
	}
	return nil
}

// SetMode is unsupported for in-process providers.
func (a *InProcessSDK) SetMode(_ context.Context, _, modeID string) error {
	if !a.Alive() {
		return ErrAdapterDead
	}
	return fmt.Errorf("mode %s not supported by in-process provider", modeID)
}

func (a *InProcessSDK) Cancel(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.killed {
		return ErrAdapterDead
	}
	if cancel, ok := a.inflight[sessionID]; ok {
		cancel()
	}
	return nil
}

func (a *InProcessSDK) SetNotificationHandler(handler NotificationHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *InProcessSDK) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.killed
}

func (a *InProcessSDK) Kill() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.killed {
		return nil
	}
	a.killed = true
	for id, cancel := range a.inflight {
		cancel()
		delete(a.inflight, id)
	}
	return nil
}

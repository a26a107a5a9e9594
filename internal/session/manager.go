// Package session owns the mapping from internal session ids to live agent
// adapters: creation, provider selection, mode changes, cold-start recovery,
// and teardown. At most one adapter exists per session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/acp"
	"github.com/routa-dev/routa/internal/bridge"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/common/tracing"
	"github.com/routa-dev/routa/internal/store"
)

// Sentinel errors for session operations.
var (
	// ErrAdapterUnavailable means no provider matched the request.
	ErrAdapterUnavailable = errors.New("no suitable agent provider")

	// ErrSessionNotFound means the session exists neither live nor persisted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrColdStartImpossible means persisted metadata exists but the
	// provider can no longer be constructed.
	ErrColdStartImpossible = errors.New("cold start impossible")
)

// State tracks a session's lifecycle.
type State string

const (
	StateConstructing State = "CONSTRUCTING"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateActive       State = "ACTIVE"
	StateTerminated   State = "TERMINATED"
)

// ProviderSpec describes how to construct an adapter for a provider.
type ProviderSpec struct {
	Name      string
	Transport string   // bridge.TransportJSONRPC, TransportStreamJSON, TransportSDK
	Command   []string // subprocess argv (subprocess transports)
	Env       []string
	// PromptFunc backs in-process providers (TransportSDK).
	PromptFunc acp.PromptFunc
}

// CreateSessionRequest carries session creation parameters.
type CreateSessionRequest struct {
	SessionID   string // generated when empty
	Cwd         string
	Provider    string // default provider when empty
	ModeID      string
	Model       string
	ExtraArgs   []string
	ExtraEnv    []string
	WorkspaceID string
	AgentID     string
	Role        string
	Name        string
	// Handler, if set, receives every raw update in addition to the bridge.
	Handler acp.NotificationHandler
}

// Info is a snapshot of a live session.
type Info struct {
	SessionID         string `json:"session_id"`
	ProviderSessionID string `json:"provider_session_id"`
	Provider          string `json:"provider"`
	WorkspaceID       string `json:"workspace_id,omitempty"`
	AgentID           string `json:"agent_id,omitempty"`
	State             State  `json:"state"`
}

type managed struct {
	adapter           acp.Adapter
	provider          string
	transport         string
	providerSessionID string
	workspaceID       string
	agentID           string
	state             State
}

// Manager owns live adapters keyed by internal session id.
type Manager struct {
	log             *logger.Logger
	store           store.Store
	bridge          *bridge.Bridge
	providers       map[string]ProviderSpec
	defaultProvider string

	mu       sync.Mutex
	sessions map[string]*managed
}

// NewManager creates a session manager over the given providers. The first
// registered provider name passed as defaultProvider is used when a request
// omits the provider.
func NewManager(st store.Store, br *bridge.Bridge, providers []ProviderSpec, defaultProvider string, log *logger.Logger) *Manager {
	m := &Manager{
		log:             log.WithFields(zap.String("component", "session-manager")),
		store:           st,
		bridge:          br,
		providers:       make(map[string]ProviderSpec, len(providers)),
		defaultProvider: defaultProvider,
		sessions:        make(map[string]*managed),
	}
	for _, p := range providers {
		m.providers[p.Name] = p
	}
	return m
}

// CreateSession constructs an adapter for the requested provider, performs
// start/initialize/newSession in order, persists the session row, and emits
// a Started event. Returns the internal session id and the provider-side id.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (string, string, error) {
	providerName := req.Provider
	if providerName == "" {
		providerName = m.defaultProvider
	}
	spec, ok := m.providers[providerName]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrAdapterUnavailable, providerName)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return "", "", fmt.Errorf("session %s already has an adapter", sessionID)
	}
	entry := &managed{
		provider:    providerName,
		transport:   spec.Transport,
		workspaceID: req.WorkspaceID,
		agentID:     req.AgentID,
		state:       StateConstructing,
	}
	m.sessions[sessionID] = entry
	m.mu.Unlock()

	adapter, err := m.buildAdapter(spec, req)
	if err != nil {
		m.drop(sessionID)
		return "", "", err
	}

	ingest, err := m.bridge.Attach(sessionID, spec.Transport)
	if err != nil {
		m.drop(sessionID)
		return "", "", err
	}
	extra := req.Handler
	adapter.SetNotificationHandler(func(n acp.Notification) {
		n.SessionID = sessionID
		ingest(n)
		if extra != nil {
			extra(n)
		}
	})

	m.setState(sessionID, StateInitializing)
	if err := adapter.Start(ctx); err != nil {
		m.drop(sessionID)
		_ = adapter.Kill()
		return "", "", fmt.Errorf("failed to start adapter: %w", err)
	}
	if err := adapter.Initialize(ctx); err != nil {
		m.drop(sessionID)
		_ = adapter.Kill()
		return "", "", fmt.Errorf("failed to initialize adapter: %w", err)
	}
	providerSessionID, err := adapter.NewSession(ctx, req.Cwd, acp.SessionOptions{ModeID: req.ModeID, Model: req.Model})
	if err != nil {
		m.drop(sessionID)
		_ = adapter.Kill()
		return "", "", fmt.Errorf("failed to create provider session: %w", err)
	}

	// Persist before returning so the session is cold-start recoverable.
	row := &store.ACPSession{
		ID:           sessionID,
		Name:         req.Name,
		Cwd:          req.Cwd,
		WorkspaceID:  req.WorkspaceID,
		RoutaAgentID: req.AgentID,
		Provider:     providerName,
		Role:         req.Role,
		ModeID:       req.ModeID,
		Model:        req.Model,
	}
	if err := m.store.CreateACPSession(ctx, row); err != nil {
		m.drop(sessionID)
		_ = adapter.Kill()
		return "", "", fmt.Errorf("failed to persist session: %w", err)
	}

	m.mu.Lock()
	entry.adapter = adapter
	entry.providerSessionID = providerSessionID
	entry.state = StateReady
	m.mu.Unlock()

	m.bridge.EmitStarted(sessionID)
	m.log.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("provider", providerName),
		zap.String("provider_session_id", providerSessionID))
	return sessionID, providerSessionID, nil
}

// CreateWorkspaceAgentSession creates a session on the in-process provider
// used by native workspace agents.
func (m *Manager) CreateWorkspaceAgentSession(ctx context.Context, req CreateSessionRequest) (string, string, error) {
	if req.Provider == "" {
		for name, spec := range m.providers {
			if spec.Transport == bridge.TransportSDK {
				req.Provider = name
				break
			}
		}
	}
	if req.Provider == "" {
		return "", "", fmt.Errorf("%w: no in-process provider configured", ErrAdapterUnavailable)
	}
	return m.CreateSession(ctx, req)
}

func (m *Manager) buildAdapter(spec ProviderSpec, req CreateSessionRequest) (acp.Adapter, error) {
	switch spec.Transport {
	case bridge.TransportSDK:
		if spec.PromptFunc == nil {
			return nil, fmt.Errorf("%w: provider %s has no prompt function", ErrAdapterUnavailable, spec.Name)
		}
		return acp.NewInProcessSDK(spec.Name, spec.PromptFunc, m.log), nil
	case bridge.TransportJSONRPC, bridge.TransportStreamJSON:
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("%w: provider %s has no command", ErrAdapterUnavailable, spec.Name)
		}
		cfg := acp.Config{
			Provider: spec.Name,
			Command:  append(append([]string{}, spec.Command...), req.ExtraArgs...),
			WorkDir:  req.Cwd,
			Env:      append(append([]string{}, spec.Env...), req.ExtraEnv...),
		}
		if spec.Transport == bridge.TransportJSONRPC {
			return acp.NewSubprocessJSONRPC(cfg, m.log), nil
		}
		return acp.NewSubprocessStreamJSON(cfg, m.log), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %s", ErrAdapterUnavailable, spec.Transport)
	}
}

// GetAdapter returns the live adapter for a session, or nil.
func (m *Manager) GetAdapter(sessionID string) acp.Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.sessions[sessionID]; ok {
		return entry.adapter
	}
	return nil
}

// GetOrRecreateAdapter returns the live adapter, recovering from persistence
// when the in-memory registry lost it (process restart). Only in-process
// providers are recoverable; subprocess sessions cannot be re-bound.
func (m *Manager) GetOrRecreateAdapter(ctx context.Context, sessionID string, handler acp.NotificationHandler) (acp.Adapter, error) {
	if adapter := m.GetAdapter(sessionID); adapter != nil {
		return adapter, nil
	}

	row, err := m.store.GetACPSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	spec, ok := m.providers[row.Provider]
	if !ok || spec.Transport != bridge.TransportSDK || spec.PromptFunc == nil {
		return nil, fmt.Errorf("%w: provider %s", ErrColdStartImpossible, row.Provider)
	}

	adapter := acp.NewInProcessSDK(spec.Name, spec.PromptFunc, m.log)
	ingest, err := m.bridge.Attach(sessionID, spec.Transport)
	if err != nil {
		return nil, err
	}
	adapter.SetNotificationHandler(func(n acp.Notification) {
		n.SessionID = sessionID
		ingest(n)
		if handler != nil {
			handler(n)
		}
	})
	providerSessionID, err := adapter.NewSession(ctx, row.Cwd, acp.SessionOptions{ModeID: row.ModeID, Model: row.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to recreate provider session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = &managed{
		adapter:           adapter,
		provider:          row.Provider,
		transport:         spec.Transport,
		providerSessionID: providerSessionID,
		workspaceID:       row.WorkspaceID,
		agentID:           row.RoutaAgentID,
		state:             StateReady,
	}
	m.mu.Unlock()

	m.log.Info("session recovered from persistence",
		zap.String("session_id", sessionID),
		zap.String("provider", row.Provider))
	return adapter, nil
}

// Prompt sends a user turn to the session, mapping to the provider-side id.
// The session is ACTIVE for the duration of the turn.
func (m *Manager) Prompt(ctx context.Context, sessionID, text string) error {
	ctx, span := tracing.Tracer("session").Start(ctx, "session.prompt",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	adapter := entry.adapter
	providerID := entry.providerSessionID
	entry.state = StateActive
	m.mu.Unlock()

	err := adapter.Prompt(ctx, providerID, text)
	if err != nil {
		span.RecordError(err)
	}

	m.mu.Lock()
	if entry.state == StateActive {
		if err != nil && !adapter.Alive() {
			entry.state = StateTerminated
		} else {
			entry.state = StateReady
		}
	}
	m.mu.Unlock()
	return err
}

// Cancel interrupts the session's in-flight turn.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return entry.adapter.Cancel(ctx, entry.providerSessionID)
}

// modeFallback maps session modes onto permission modes for providers
// without native mode support.
var modeFallback = map[string]string{
	"plan":    "plan",
	"edit":    "acceptEdits",
	"default": "default",
}

// SetSessionMode switches the session mode, falling back to the permission
// mode mapping when the provider rejects the mode. The chosen mode is
// persisted either way.
func (m *Manager) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if err := entry.adapter.SetMode(ctx, entry.providerSessionID, modeID); err != nil {
		fallback, ok := modeFallback[modeID]
		if !ok {
			m.log.Warn("mode not supported", zap.String("mode_id", modeID), zap.Error(err))
		} else if ferr := entry.adapter.SetMode(ctx, entry.providerSessionID, fallback); ferr != nil {
			m.log.Warn("mode fallback not applied", zap.String("mode_id", fallback), zap.Error(ferr))
		}
	}

	row, err := m.store.GetACPSession(ctx, sessionID)
	if err != nil {
		return err
	}
	row.ModeID = modeID
	return m.store.UpdateACPSession(ctx, row)
}

// KillSession tears down one session's adapter and bridge state.
func (m *Manager) KillSession(sessionID string) error {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		entry.state = StateTerminated
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.bridge.Detach(sessionID)
	return entry.adapter.Kill()
}

// KillAll tears down every live session.
func (m *Manager) KillAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*managed)
	m.mu.Unlock()
	for id, entry := range sessions {
		m.bridge.Detach(id)
		if err := entry.adapter.Kill(); err != nil {
			m.log.Warn("failed to kill session", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// ListSessions snapshots all live sessions.
func (m *Manager) ListSessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.sessions))
	for id, entry := range m.sessions {
		infos = append(infos, Info{
			SessionID:         id,
			ProviderSessionID: entry.providerSessionID,
			Provider:          entry.provider,
			WorkspaceID:       entry.workspaceID,
			AgentID:           entry.agentID,
			State:             entry.state,
		})
	}
	return infos
}

// ProviderSessionID returns the provider-side id for an internal session id.
func (m *Manager) ProviderSessionID(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.sessions[sessionID]; ok {
		return entry.providerSessionID
	}
	return ""
}

func (m *Manager) drop(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.bridge.Detach(sessionID)
}

func (m *Manager) setState(sessionID string, state State) {
	m.mu.Lock()
	if entry, ok := m.sessions[sessionID]; ok {
		entry.state = state
	}
	m.mu.Unlock()
}

// Package acp provides agent adapters: a uniform contract for driving coding
// agents over different transports. Subprocess agents speak either JSON-RPC
// 2.0 over stdio or line-delimited stream JSON; in-process providers plug in
// behind the same interface.
package acp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrAdapterDead is returned by every operation once the adapter's transport
// has terminated. Callers recover by recreating the adapter.
var ErrAdapterDead = errors.New("adapter is dead")

// NotificationMethodUpdate is the method carried by raw session updates.
const NotificationMethodUpdate = "session/update"

// Notification is a raw update from the agent, before semantic normalization.
// Params holds the provider-specific JSON payload untouched.
type Notification struct {
	Method    string          `json:"method"`
	SessionID string          `json:"session_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// NotificationHandler receives raw notifications. Handlers must not block;
// the bridge serializes per-session processing on its own goroutine.
type NotificationHandler func(Notification)

// SessionOptions tunes session creation. All fields are optional.
type SessionOptions struct {
	ModeID string
	Model  string
}

// Adapter is the uniform agent transport contract.
//
// Start and Initialize are idempotent: repeated calls after success return
// nil without re-running the underlying handshake. Kill is idempotent and
// safe in any state. After the transport dies, Alive reports false and all
// operations fail with ErrAdapterDead.
type Adapter interface {
	// Start launches the underlying transport (subprocess spawn for
	// subprocess variants, no-op for in-process).
	Start(ctx context.Context) error

	// Initialize performs the protocol handshake.
	Initialize(ctx context.Context) error

	// NewSession creates an agent session rooted at cwd and returns its id.
	NewSession(ctx context.Context, cwd string, opts SessionOptions) (string, error)

	// Prompt sends one user turn and blocks until the turn ends. All raw
	// updates for the turn are delivered to the notification handler before
	// Prompt returns.
	Prompt(ctx context.Context, sessionID, text string) error

	// SetMode switches the session mode. Best effort: providers without
	// mode support return an error the caller may ignore.
	SetMode(ctx context.Context, sessionID, modeID string) error

	// Cancel interrupts the in-flight turn, if any. A Prompt issued after
	// Cancel is accepted normally.
	Cancel(ctx context.Context, sessionID string) error

	// SetNotificationHandler installs the raw update sink. Must be called
	// before the first Prompt.
	SetNotificationHandler(handler NotificationHandler)

	// Provider returns the provider name ("claude", "gemini", ...).
	Provider() string

	// Alive reports whether the transport is still usable.
	Alive() bool

	// Kill tears down the transport and releases resources.
	Kill() error
}

// Config holds adapter construction parameters.
type Config struct {
	// Provider is the provider name used for bridge normalizer selection.
	Provider string

	// Command is the subprocess argv (unused by in-process adapters).
	Command []string

	// WorkDir is the subprocess working directory.
	WorkDir string

	// Env is extra environment in KEY=VALUE form, appended to os.Environ.
	Env []string
}

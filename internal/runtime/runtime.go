// ABOUTME: Contracts between the bridge and the stateful agent runtime.
// ABOUTME: Defines sessions, lifecycle hooks, bridge-hosted tools, and callback shapes.

package runtime

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrRuntimeClosed is returned when creating sessions on a closed runtime.
	ErrRuntimeClosed = errors.New("runtime closed")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// HookKind selects which session lifecycle events a hook observes.
type HookKind int

const (
	// HookToolStart fires when the agent begins a tool invocation.
	HookToolStart HookKind = iota
	// HookToolEnd fires when a tool invocation completes.
	HookToolEnd
)

// ToolEvent describes one tool lifecycle transition.
type ToolEvent struct {
	// Name is the tool being invoked.
	Name string
	// ID correlates a start with its end, when the runtime provides one.
	ID string
}

// HookFunc observes a tool event. Hooks run on the session's event loop;
// they must not block for long.
type HookFunc func(ctx context.Context, ev ToolEvent)

// UnregisterFunc removes a previously registered hook. Safe to call more
// than once.
type UnregisterFunc func()

// ApprovalRequest is the runtime asking permission for a sensitive action.
type ApprovalRequest struct {
	// ID is the runtime's correlation key for the suspended action.
	ID string
	// ToolName is the tool awaiting permission.
	ToolName string
	// Description is the runtime's human-readable account of what it wants
	// to do. May be empty.
	Description string
}

// Tool is a bridge-hosted capability exposed to the agent. The runtime
// invokes Handler when the agent calls the tool; the returned string is the
// tool result, and a non-nil error marks the result as an error without
// failing the turn.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     func(ctx context.Context, input json.RawMessage) (string, error)
}

// Origin identifies where a session's conversation lives. The runtime uses
// it for attribution only.
type Origin struct {
	Frontend string
	Channel  string
}

// SessionOptions configure a new session's callbacks and capabilities.
type SessionOptions struct {
	// Origin attributes the session to its home conversation.
	Origin Origin
	// OnApproval is consulted whenever the agent wants to perform a
	// sensitive action. Returning false denies it. Required.
	OnApproval func(ctx context.Context, req ApprovalRequest) bool
	// OnDisplay surfaces intermediate output the agent wants shown without
	// ending its turn. Optional.
	OnDisplay func(ctx context.Context, text string)
	// Tools are bridge-hosted tools offered to the agent for the session's
	// lifetime. Optional.
	Tools []Tool
}

// Session is one stateful agent conversation. Executions on one session are
// serialized by the caller; hook registration is safe at any time.
type Session interface {
	// Execute runs one turn and returns the agent's final reply text.
	Execute(ctx context.Context, prompt string) (string, error)

	// RegisterHook subscribes fn to lifecycle events of kind. Hooks fire in
	// ascending priority order; equal priorities fire in registration
	// order.
	RegisterHook(kind HookKind, fn HookFunc, priority int) (UnregisterFunc, error)

	// Close releases the session's server-side state. Idempotent.
	Close() error
}

// Runtime creates and tears down agent sessions.
type Runtime interface {
	// CreateSession establishes a session identified by id. The id is the
	// conversation identity; creating the same id twice is the caller's
	// bug, not detected here.
	CreateSession(ctx context.Context, id string, opts SessionOptions) (Session, error)

	// Close releases the runtime's resources. Sessions are closed by their
	// owners, not here.
	Close() error
}

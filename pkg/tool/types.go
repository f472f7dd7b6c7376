// Package tool defines the wire-level contract between the Tool Registry
// and everything that calls into it: the Virtual Machine, the HTTP surface,
// and the Conversation Persistence layer that records invocations.
package tool

import (
	"context"
	"encoding/json"
	"time"
)

// Spec describes one entry in the tool catalogue: its name, the
// human/LLM-facing description, its JSON Schema for arguments, and whether
// calling it requires a workspace to be attached to the invoking session.
type Spec struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	InputSchema      json.RawMessage `json:"input_schema"`
	RequiresWorkspace bool           `json:"requires_workspace"`
}

// Invocation is the record of one tool call made during a Respond turn,
// persisted as part of a HistoryEntry.
type Invocation struct {
	ID         string          `json:"id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
}

// Handler is the function signature every concrete tool implements. ctx
// carries the per-call deadline (a default 60s tool timeout); workspaceRoot
// is empty when the tool's Spec.RequiresWorkspace is false.
type Handler func(ctx CallContext, input json.RawMessage) (json.RawMessage, error)

// CallContext is threaded through every tool invocation so a handler can
// resolve paths through the owning client's Workspace Manager rather than
// touching the filesystem directly.
type CallContext struct {
	context.Context
	ClientID      string
	WorkspaceRoot string
	Resolve       func(path string) (string, error)
}

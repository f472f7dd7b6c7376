// Package convo holds the data model shared by the Virtual Machine, the
// Conversation Persistence store, and the HTTP Surface: conversations and
// the history entries that make up their branches.
package convo

import (
	"time"

	"okcvm/pkg/tool"
)

// ClientID identifies one tenant of the kernel. The literal "default" is
// accepted, not rejected, per SPEC_FULL.md §9.
type ClientID string

// Role identifies the speaker of a HistoryEntry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TokenUsage is the best-effort token accounting mirrored onto a persisted
// entry from the driver's own usage report.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// HistoryEntry is one node in a conversation's history tree. Entries are
// addressed by ID and linked by ParentID — an arena-of-entries-by-id
// structure, not a pointer graph, so a malformed persisted record can never
// produce a reference cycle.
type HistoryEntry struct {
	ID              string           `json:"id"`
	ParentID        string           `json:"parent_id,omitempty"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	ToolInvocations []tool.Invocation `json:"tool_invocations,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	TokenUsage      *TokenUsage      `json:"token_usage,omitempty"`
}

// Conversation is one client's conversation: a tree of HistoryEntry nodes
// plus the id of the entry at the tip of the currently selected branch,
// alongside the alternative trajectories, derived artifacts, and workspace
// pointer a full round-trip must preserve.
type Conversation struct {
	ID        string                   `json:"id"`
	ClientID  ClientID                 `json:"client_id"`
	Title     string                   `json:"title"`
	Model     string                   `json:"model,omitempty"`
	GitBranch string                   `json:"git_branch,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	HeadID    string                   `json:"head_id"`
	Entries   map[string]*HistoryEntry `json:"entries"`

	// Branches maps a user-message entry id to its alternative response
	// trajectories, so restoring a branch also restores the full
	// conversation shape.
	Branches  map[string][]Branch `json:"branches,omitempty"`
	Outputs   Outputs             `json:"outputs,omitempty"`
	Workspace *WorkspaceRef       `json:"workspace,omitempty"`
}

// Branch is one alternative trajectory recorded at a branch point.
type Branch struct {
	ID                  string          `json:"id"`
	Messages            []*HistoryEntry `json:"messages"`
	Signature           string          `json:"signature,omitempty"`
	Selections          map[string]int  `json:"selections,omitempty"`
	WorkspaceCheckpoint string          `json:"workspace_checkpoint,omitempty"`
}

// Outputs collects the artifacts derived from a conversation's tool
// invocations.
type Outputs struct {
	ModelLogs  []string    `json:"model_logs,omitempty"`
	WebPreview *WebPreview `json:"web_preview,omitempty"`
	PPTSlides  []string    `json:"ppt_slides,omitempty"`
}

// WebPreview describes a deployment surfaced from a tool invocation's
// output.
type WebPreview struct {
	URL          string `json:"url"`
	DeploymentID string `json:"deployment_id"`
	Title        string `json:"title,omitempty"`
}

// WorkspaceRef is the persisted pointer to a conversation's workspace: its
// paths and its Git HEAD at save time.
type WorkspaceRef struct {
	Paths WorkspacePaths `json:"paths"`
	Git   GitRef         `json:"git,omitempty"`
}

// WorkspacePaths mirrors workspace.Paths' shape without importing
// internal/workspace, so pkg/convo stays free of internal package imports.
type WorkspacePaths struct {
	SessionID    string `json:"session_id,omitempty"`
	Mount        string `json:"mount,omitempty"`
	Output       string `json:"output,omitempty"`
	InternalRoot string `json:"internal_root,omitempty"`
}

// GitRef mirrors gitengine.Status' shape for the same reason.
type GitRef struct {
	Commit  string `json:"commit,omitempty"`
	Branch  string `json:"branch,omitempty"`
	IsDirty bool   `json:"is_dirty,omitempty"`
}

// Upload describes one file a client has added to a conversation's
// workspace ahead of a turn.
type Upload struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentHistory walks from HeadID back to the root, returning entries in
// chronological (oldest-first) order — what a driver needs as its ordered
// message history for one turn.
func (c *Conversation) RecentHistory(limit int) []*HistoryEntry {
	var chain []*HistoryEntry
	seen := make(map[string]bool)
	id := c.HeadID
	for id != "" && !seen[id] {
		e, ok := c.Entries[id]
		if !ok {
			break
		}
		seen[id] = true
		chain = append(chain, e)
		id = e.ParentID
	}
	// chain is tip-to-root; reverse to chronological order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	if limit > 0 && len(chain) > limit {
		chain = chain[len(chain)-limit:]
	}
	return chain
}

// AppendEntry adds a new node as a child of the current head and advances
// the head to it.
func (c *Conversation) AppendEntry(e *HistoryEntry) {
	if c.Entries == nil {
		c.Entries = make(map[string]*HistoryEntry)
	}
	e.ParentID = c.HeadID
	c.Entries[e.ID] = e
	c.HeadID = e.ID
	c.UpdatedAt = e.CreatedAt
}

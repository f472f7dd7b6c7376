package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"okcvm/pkg/convo"
	"okcvm/pkg/tool"
)

// ConversationRepo persists convo.Conversation and its HistoryEntry tree,
// wrapping a *sql.DB with hand-written prepared statements in place of
// generated query code.
type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// SaveConversation upserts a conversation's own row (not its entries),
// including its branches, outputs, and workspace pointer.
func (r *ConversationRepo) SaveConversation(ctx context.Context, c *convo.Conversation) error {
	branchesJSON, err := json.Marshal(c.Branches)
	if err != nil {
		return fmt.Errorf("convstore: marshal branches for %s: %w", c.ID, err)
	}
	outputsJSON, err := json.Marshal(c.Outputs)
	if err != nil {
		return fmt.Errorf("convstore: marshal outputs for %s: %w", c.ID, err)
	}

	var workspaceRoot, workspaceMount, sessionID, gitCommit string
	var gitDirty bool
	if c.Workspace != nil {
		workspaceRoot = c.Workspace.Paths.InternalRoot
		workspaceMount = c.Workspace.Paths.Mount
		sessionID = c.Workspace.Paths.SessionID
		gitCommit = c.Workspace.Git.Commit
		gitDirty = c.Workspace.Git.IsDirty
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, client_id, title, model, git_branch, head_id, created_at, updated_at,
			branches, outputs, workspace_root, workspace_mount, session_id, git_commit, git_dirty
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			git_branch = excluded.git_branch,
			head_id = excluded.head_id,
			updated_at = excluded.updated_at,
			branches = excluded.branches,
			outputs = excluded.outputs,
			workspace_root = excluded.workspace_root,
			workspace_mount = excluded.workspace_mount,
			session_id = excluded.session_id,
			git_commit = excluded.git_commit,
			git_dirty = excluded.git_dirty
	`, c.ID, string(c.ClientID), c.Title, c.Model, c.GitBranch, c.HeadID,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(branchesJSON), string(outputsJSON), workspaceRoot, workspaceMount, sessionID, gitCommit, gitDirty)
	if err != nil {
		return fmt.Errorf("convstore: save conversation %s: %w", c.ID, err)
	}
	return nil
}

// AppendHistoryEntry persists one new entry. Conversation.AppendEntry must
// already have been called so e.ParentID and the conversation's HeadID are
// consistent; the caller is responsible for calling SaveConversation
// afterward to persist the advanced head.
func (r *ConversationRepo) AppendHistoryEntry(ctx context.Context, conversationID string, e *convo.HistoryEntry) error {
	invocationsJSON, err := json.Marshal(e.ToolInvocations)
	if err != nil {
		return fmt.Errorf("convstore: marshal tool invocations for entry %s: %w", e.ID, err)
	}

	var inputTokens, outputTokens sql.NullInt64
	if e.TokenUsage != nil {
		inputTokens = sql.NullInt64{Int64: int64(e.TokenUsage.InputTokens), Valid: true}
		outputTokens = sql.NullInt64{Int64: int64(e.TokenUsage.OutputTokens), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO history_entries
			(id, conversation_id, parent_id, role, content, tool_invocations, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			tool_invocations = excluded.tool_invocations,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens
	`, e.ID, conversationID, e.ParentID, string(e.Role), e.Content, string(invocationsJSON),
		inputTokens, outputTokens, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("convstore: append history entry %s: %w", e.ID, err)
	}
	return nil
}

// LoadConversation reconstructs a convo.Conversation and its full entry
// arena from storage, or returns sql.ErrNoRows if id is unknown.
func (r *ConversationRepo) LoadConversation(ctx context.Context, id string) (*convo.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, client_id, title, model, git_branch, head_id, created_at, updated_at,
			branches, outputs, workspace_root, workspace_mount, session_id, git_commit, git_dirty
		FROM conversations WHERE id = ?
	`, id)

	var c convo.Conversation
	var clientID, createdAt, updatedAt string
	var branchesJSON, outputsJSON string
	var workspaceRoot, workspaceMount, sessionID, gitCommit string
	var gitDirty bool
	if err := row.Scan(&c.ID, &clientID, &c.Title, &c.Model, &c.GitBranch, &c.HeadID, &createdAt, &updatedAt,
		&branchesJSON, &outputsJSON, &workspaceRoot, &workspaceMount, &sessionID, &gitCommit, &gitDirty); err != nil {
		return nil, fmt.Errorf("convstore: load conversation %s: %w", id, err)
	}
	c.ClientID = convo.ClientID(clientID)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	if err := json.Unmarshal([]byte(branchesJSON), &c.Branches); err != nil {
		return nil, fmt.Errorf("convstore: unmarshal branches for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &c.Outputs); err != nil {
		return nil, fmt.Errorf("convstore: unmarshal outputs for %s: %w", id, err)
	}
	if workspaceRoot != "" || workspaceMount != "" || sessionID != "" {
		output := ""
		if workspaceMount != "" {
			output = strings.TrimRight(workspaceMount, "/") + "/output/"
		}
		c.Workspace = &convo.WorkspaceRef{
			Paths: convo.WorkspacePaths{
				SessionID:    sessionID,
				Mount:        workspaceMount,
				Output:       output,
				InternalRoot: workspaceRoot,
			},
			Git: convo.GitRef{Commit: gitCommit, Branch: c.GitBranch, IsDirty: gitDirty},
		}
	}

	entries, err := r.loadEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Entries = entries
	return &c, nil
}

func (r *ConversationRepo) loadEntries(ctx context.Context, conversationID string) (map[string]*convo.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, parent_id, role, content, tool_invocations, input_tokens, output_tokens, created_at
		FROM history_entries WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convstore: load history entries for %s: %w", conversationID, err)
	}
	defer rows.Close()

	out := make(map[string]*convo.HistoryEntry)
	for rows.Next() {
		var e convo.HistoryEntry
		var role, invocationsJSON, createdAt string
		var inputTokens, outputTokens sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ParentID, &role, &e.Content, &invocationsJSON, &inputTokens, &outputTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("convstore: scan history entry: %w", err)
		}
		e.Role = convo.Role(role)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		var invocations []tool.Invocation
		if err := json.Unmarshal([]byte(invocationsJSON), &invocations); err == nil {
			e.ToolInvocations = invocations
		}
		if inputTokens.Valid {
			e.TokenUsage = &convo.TokenUsage{
				InputTokens:  int(inputTokens.Int64),
				OutputTokens: int(outputTokens.Int64),
			}
		}
		out[e.ID] = &e
	}
	return out, rows.Err()
}

// ListConversations returns every conversation id belonging to clientID,
// most recently updated first.
func (r *ConversationRepo) ListConversations(ctx context.Context, clientID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM conversations WHERE client_id = ? ORDER BY updated_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("convstore: list conversations for %s: %w", clientID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllConversationIDs returns every conversation id across every client,
// for callers (the Background Reaper) that need to know which deployment
// directories are still referenced regardless of which client owns them.
func (r *ConversationRepo) AllConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("convstore: list all conversation ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteConversation removes a conversation and (via ON DELETE CASCADE) its
// history entries and uploads.
func (r *ConversationRepo) DeleteConversation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("convstore: delete conversation %s: %w", id, err)
	}
	return nil
}

// SaveUpload records an upload's metadata against a conversation.
func (r *ConversationRepo) SaveUpload(ctx context.Context, conversationID string, u convo.Upload) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO uploads (conversation_id, name, size_bytes, sha256, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, name) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			sha256 = excluded.sha256,
			created_at = excluded.created_at
	`, conversationID, u.Name, u.SizeBytes, u.SHA256, u.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("convstore: save upload %s for %s: %w", u.Name, conversationID, err)
	}
	return nil
}

// ListUploads returns every upload recorded against a conversation.
func (r *ConversationRepo) ListUploads(ctx context.Context, conversationID string) ([]convo.Upload, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, size_bytes, sha256, created_at FROM uploads WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convstore: list uploads for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []convo.Upload
	for rows.Next() {
		var u convo.Upload
		var createdAt string
		if err := rows.Scan(&u.Name, &u.SizeBytes, &u.SHA256, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

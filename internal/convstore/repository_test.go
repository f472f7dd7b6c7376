package convstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"okcvm/pkg/convo"
	"okcvm/pkg/tool"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "okcvm.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConversationRepo_SaveAndLoadRoundTrips(t *testing.T) {
	db := newTestDB(t)
	repo := NewConversationRepo(db.Conn())
	ctx := context.Background()

	conv := &convo.Conversation{
		ID:        "conv-1",
		ClientID:  "acme",
		Title:     "first chat",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Entries:   make(map[string]*convo.HistoryEntry),
	}
	userEntry := &convo.HistoryEntry{ID: "e1", Role: convo.RoleUser, Content: "hi", CreatedAt: time.Now()}
	conv.AppendEntry(userEntry)
	assistantEntry := &convo.HistoryEntry{
		ID:        "e2",
		Role:      convo.RoleAssistant,
		Content:   "hello",
		CreatedAt: time.Now(),
		TokenUsage: &convo.TokenUsage{InputTokens: 3, OutputTokens: 5},
	}
	conv.AppendEntry(assistantEntry)

	require.NoError(t, repo.SaveConversation(ctx, conv))
	require.NoError(t, repo.AppendHistoryEntry(ctx, conv.ID, userEntry))
	require.NoError(t, repo.AppendHistoryEntry(ctx, conv.ID, assistantEntry))

	loaded, err := repo.LoadConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, loaded.Entries, 2)
	require.Equal(t, "hello", loaded.Entries["e2"].Content)
	require.NotNil(t, loaded.Entries["e2"].TokenUsage)
	require.Equal(t, 5, loaded.Entries["e2"].TokenUsage.OutputTokens)
	require.Equal(t, "e1", loaded.Entries["e2"].ParentID)
}

func TestConversationRepo_SaveAndLoadPreservesBranchesOutputsAndWorkspace(t *testing.T) {
	db := newTestDB(t)
	repo := NewConversationRepo(db.Conn())
	ctx := context.Background()

	conv := &convo.Conversation{
		ID:        "conv-5",
		ClientID:  "acme",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Entries:   map[string]*convo.HistoryEntry{},
		Branches: map[string][]convo.Branch{
			"e1": {{ID: "b1", Signature: "sig-1", Selections: map[string]int{"e2": 0}, WorkspaceCheckpoint: "abc123"}},
		},
		Outputs: convo.Outputs{
			ModelLogs:  []string{"log line"},
			WebPreview: &convo.WebPreview{URL: "https://example.test/p", DeploymentID: "dep-1", Title: "Preview"},
		},
		Workspace: &convo.WorkspaceRef{
			Paths: convo.WorkspacePaths{SessionID: "deadbeef", Mount: "/mnt/okcvm-deadbeef/", Output: "/mnt/okcvm-deadbeef/output/", InternalRoot: "/data/acme/deadbeef"},
			Git:   convo.GitRef{Commit: "abc123", Branch: "okc-conv-5", IsDirty: true},
		},
	}
	require.NoError(t, repo.SaveConversation(ctx, conv))

	loaded, err := repo.LoadConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Branches["e1"], 1)
	require.Equal(t, "sig-1", loaded.Branches["e1"][0].Signature)
	require.Equal(t, 0, loaded.Branches["e1"][0].Selections["e2"])
	require.Equal(t, []string{"log line"}, loaded.Outputs.ModelLogs)
	require.Equal(t, "dep-1", loaded.Outputs.WebPreview.DeploymentID)
	require.NotNil(t, loaded.Workspace)
	require.Equal(t, "deadbeef", loaded.Workspace.Paths.SessionID)
	require.Equal(t, "/mnt/okcvm-deadbeef/output/", loaded.Workspace.Paths.Output)
	require.Equal(t, "abc123", loaded.Workspace.Git.Commit)
	require.True(t, loaded.Workspace.Git.IsDirty)
}

func TestConversationRepo_AppendHistoryEntryPersistsToolInvocations(t *testing.T) {
	db := newTestDB(t)
	repo := NewConversationRepo(db.Conn())
	ctx := context.Background()

	conv := &convo.Conversation{ID: "conv-2", ClientID: "acme", CreatedAt: time.Now(), UpdatedAt: time.Now(), Entries: map[string]*convo.HistoryEntry{}}
	require.NoError(t, repo.SaveConversation(ctx, conv))

	toolEntry := &convo.HistoryEntry{
		ID:   "e1",
		Role: convo.RoleTool,
		ToolInvocations: []tool.Invocation{
			{ID: "inv-1", ToolName: "shell", Output: []byte(`{"ok":true}`)},
		},
		CreatedAt: time.Now(),
	}
	conv.AppendEntry(toolEntry)
	require.NoError(t, repo.AppendHistoryEntry(ctx, conv.ID, toolEntry))

	loaded, err := repo.LoadConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Entries["e1"].ToolInvocations, 1)
	require.Equal(t, "shell", loaded.Entries["e1"].ToolInvocations[0].ToolName)
}

func TestConversationRepo_ListConversationsOrdersByUpdatedAtDesc(t *testing.T) {
	db := newTestDB(t)
	repo := NewConversationRepo(db.Conn())
	ctx := context.Background()

	older := &convo.Conversation{ID: "c-old", ClientID: "acme", CreatedAt: time.Now(), UpdatedAt: time.Now().Add(-time.Hour), Entries: map[string]*convo.HistoryEntry{}}
	newer := &convo.Conversation{ID: "c-new", ClientID: "acme", CreatedAt: time.Now(), UpdatedAt: time.Now(), Entries: map[string]*convo.HistoryEntry{}}
	require.NoError(t, repo.SaveConversation(ctx, older))
	require.NoError(t, repo.SaveConversation(ctx, newer))

	ids, err := repo.ListConversations(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, []string{"c-new", "c-old"}, ids)
}

func TestConversationRepo_DeleteConversationCascadesEntries(t *testing.T) {
	db := newTestDB(t)
	repo := NewConversationRepo(db.Conn())
	ctx := context.Background()

	conv := &convo.Conversation{ID: "conv-3", ClientID: "acme", CreatedAt: time.Now(), UpdatedAt: time.Now(), Entries: map[string]*convo.HistoryEntry{}}
	require.NoError(t, repo.SaveConversation(ctx, conv))
	entry := &convo.HistoryEntry{ID: "e1", Role: convo.RoleUser, Content: "hi", CreatedAt: time.Now()}
	conv.AppendEntry(entry)
	require.NoError(t, repo.AppendHistoryEntry(ctx, conv.ID, entry))

	require.NoError(t, repo.DeleteConversation(ctx, conv.ID))

	_, err := repo.LoadConversation(ctx, conv.ID)
	require.Error(t, err)
}

func TestConversationRepo_SaveAndListUploads(t *testing.T) {
	db := newTestDB(t)
	repo := NewConversationRepo(db.Conn())
	ctx := context.Background()

	conv := &convo.Conversation{ID: "conv-4", ClientID: "acme", CreatedAt: time.Now(), UpdatedAt: time.Now(), Entries: map[string]*convo.HistoryEntry{}}
	require.NoError(t, repo.SaveConversation(ctx, conv))
	require.NoError(t, repo.SaveUpload(ctx, conv.ID, convo.Upload{Name: "a.txt", SizeBytes: 3, SHA256: "abc", CreatedAt: time.Now()}))

	uploads, err := repo.ListUploads(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	require.Equal(t, "a.txt", uploads[0].Name)
}

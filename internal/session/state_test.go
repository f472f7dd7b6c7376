package session

import (
	"context"
	"testing"

	"okcvm/internal/toolregistry"
	"okcvm/pkg/llm/testdriver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps(t *testing.T, driver *testdriver.Driver) Deps {
	t.Helper()
	return Deps{
		WorkspaceBasePath: t.TempDir(),
		WorkspaceMountPfx: "/mnt/workspace",
		Registry:          toolregistry.New(),
		Driver:            driver,
	}
}

func TestBoot_ProvisionsWorkspaceAndDegradesGitGracefully(t *testing.T) {
	driver := testdriver.New(testdriver.TextStep("hi"))
	s, err := Boot(context.Background(), "acme", testDeps(t, driver))
	require.NoError(t, err)
	assert.Equal(t, "acme", s.ClientID)
}

func TestRespond_CreatesConversationOnEmptyID(t *testing.T) {
	driver := testdriver.New(testdriver.TextStep("hello"))
	s, err := Boot(context.Background(), "acme", testDeps(t, driver))
	require.NoError(t, err)

	entries, err := s.Respond(context.Background(), "", "hi there", RespondOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[1].Content)
}

func TestRespond_ReplaceLastDiscardsPreviousTurn(t *testing.T) {
	driver := testdriver.New(testdriver.TextStep("first reply"), testdriver.TextStep("second reply"))
	s, err := Boot(context.Background(), "acme", testDeps(t, driver))
	require.NoError(t, err)

	conv, err := s.EnsureConversation(context.Background(), "")
	require.NoError(t, err)

	_, err = s.Respond(context.Background(), conv.ID, "first message", RespondOptions{})
	require.NoError(t, err)

	entries, err := s.Respond(context.Background(), conv.ID, "edited message", RespondOptions{ReplaceLast: true})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "edited message", entries[0].Content)
	assert.Equal(t, "second reply", entries[1].Content)

	history, err := s.ListHistory(conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestListHistory_UnknownConversationReturnsNotFound(t *testing.T) {
	driver := testdriver.New(testdriver.TextStep("hi"))
	s, err := Boot(context.Background(), "acme", testDeps(t, driver))
	require.NoError(t, err)

	_, err = s.ListHistory("does-not-exist", 0)
	require.Error(t, err)
}

func TestDeleteHistory_WipesConversationsAndWorkspace(t *testing.T) {
	driver := testdriver.New(testdriver.TextStep("hi"))
	s, err := Boot(context.Background(), "acme", testDeps(t, driver))
	require.NoError(t, err)

	conv, err := s.EnsureConversation(context.Background(), "")
	require.NoError(t, err)
	before := s.WorkspacePaths()
	require.NotEmpty(t, before.SessionID)

	require.NoError(t, s.DeleteHistory())
	_, err = s.ListHistory(conv.ID, 0)
	assert.Error(t, err)

	after, err := s.Describe(context.Background(), "", "")
	require.NoError(t, err)
	assert.NotEqual(t, before.SessionID, after.WorkspaceID)
}

func TestUploadFiles_WritesIntoWorkspaceAndReportsChecksum(t *testing.T) {
	driver := testdriver.New(testdriver.TextStep("hi"))
	s, err := Boot(context.Background(), "acme", testDeps(t, driver))
	require.NoError(t, err)

	uploads, err := s.UploadFiles(map[string][]byte{"notes.txt": []byte("hello world")})
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, "notes.txt", uploads[0].Name)
	assert.NotEmpty(t, uploads[0].SHA256)
}

func TestUploadFiles_RejectsDeniedDotfile(t *testing.T) {
	driver := testdriver.New(testdriver.TextStep("hi"))
	s, err := Boot(context.Background(), "acme", testDeps(t, driver))
	require.NoError(t, err)

	_, err = s.UploadFiles(map[string][]byte{".bashrc": []byte("evil")})
	assert.Error(t, err)
}

func TestListSnapshots_WithoutGitBinaryReturnsSnapshotDisabled(t *testing.T) {
	t.Setenv("PATH", "")
	driver := testdriver.New(testdriver.TextStep("hi"))
	s, err := Boot(context.Background(), "acme", testDeps(t, driver))
	require.NoError(t, err)

	_, err = s.ListSnapshots(context.Background(), 10)
	assert.Error(t, err)
}

package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"okcvm/internal/session"
	"okcvm/internal/sessionstore"
	"okcvm/internal/toolregistry"
	"okcvm/pkg/llm/testdriver"

	"github.com/stretchr/testify/require"
)

func TestTrimDeployments_RemovesOldOrphanedDirectoryNotLiveOne(t *testing.T) {
	deploymentsRoot := t.TempDir()
	clientDir := filepath.Join(deploymentsRoot, "acme")
	require.NoError(t, os.MkdirAll(filepath.Join(clientDir, "orphan-1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(clientDir, "still-live"), 0o755))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(clientDir, "orphan-1"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(clientDir, "still-live"), old, old))

	store := sessionstore.NewMemoryStore()
	r := New(store, deploymentsRoot, func() map[string]bool {
		return map[string]bool{"still-live": true}
	})

	r.trimDeployments("acme")

	_, err := os.Stat(filepath.Join(clientDir, "orphan-1"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(clientDir, "still-live"))
	require.NoError(t, err)
}

func TestTrimDeployments_KeepsRecentlyModifiedDirectories(t *testing.T) {
	deploymentsRoot := t.TempDir()
	clientDir := filepath.Join(deploymentsRoot, "acme")
	require.NoError(t, os.MkdirAll(filepath.Join(clientDir, "fresh"), 0o755))

	store := sessionstore.NewMemoryStore()
	r := New(store, deploymentsRoot, nil)
	r.trimDeployments("acme")

	_, err := os.Stat(filepath.Join(clientDir, "fresh"))
	require.NoError(t, err)
}

func TestSweep_OnlyVisitsAlreadyBootedSessions(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	driver := testdriver.New(testdriver.TextStep("hi"))
	_, err := store.GetOrCreate(context.Background(), "acme", func(ctx context.Context, clientID string) (*session.State, error) {
		return session.Boot(ctx, clientID, session.Deps{
			WorkspaceBasePath: t.TempDir(),
			WorkspaceMountPfx: "/mnt/workspace",
			Registry:          toolregistry.New(),
			Driver:            driver,
		})
	})
	require.NoError(t, err)

	r := New(store, "", nil)
	r.sweep() // must not panic or boot additional sessions
}

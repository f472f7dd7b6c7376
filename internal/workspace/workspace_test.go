package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"okcvm/internal/okcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), "/mnt/okcvm")
}

func TestProvision_IsIdempotent(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Provision("acme")
	require.NoError(t, err)

	second, err := m.Provision("acme")
	require.NoError(t, err)

	assert.Equal(t, first.InternalRoot, second.InternalRoot)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "/mnt/okcvm-"+first.SessionID+"/", first.Mount)
	assert.Len(t, first.SessionID, 8)
}

func TestProvision_ReProvisionAfterCleanupGetsNewSessionID(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Provision("acme")
	require.NoError(t, err)
	require.NoError(t, m.Cleanup("acme"))

	second, err := m.Provision("acme")
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.Mount, second.Mount)
	assert.NotEqual(t, first.InternalRoot, second.InternalRoot)
}

func TestResolve_RejectsEscape(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Provision("acme")
	require.NoError(t, err)

	cases := []struct {
		name string
		path string
	}{
		{"dot_dot", "../../etc/passwd"},
		{"absolute_outside", "/etc/passwd"},
		{"nested_dot_dot", "a/b/../../../etc/passwd"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Resolve("acme", tc.path)
			require.Error(t, err)
			assert.IsType(t, &okcerr.PathEscapeError{}, err)
		})
	}
}

func TestResolve_AcceptsMountPrefixedPath(t *testing.T) {
	m := newTestManager(t)
	paths, err := m.Provision("acme")
	require.NoError(t, err)

	resolved, err := m.Resolve("acme", paths.Mount+"notes.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(paths.InternalRoot, "notes.txt"), resolved)
}

func TestValidateWrite_BlocksDangerousDotfiles(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Provision("acme")
	require.NoError(t, err)

	_, err = m.ValidateWrite("acme", ".bashrc")
	require.Error(t, err)

	_, err = m.ValidateWrite("acme", ".ssh/authorized_keys")
	require.Error(t, err)

	_, err = m.ValidateWrite("acme", "project/main.go")
	require.NoError(t, err)
}

func TestAdaptPrompt_RewritesInternalPathsToMount(t *testing.T) {
	m := newTestManager(t)
	paths, err := m.Provision("acme")
	require.NoError(t, err)

	text := "wrote file to " + paths.InternalRoot + "/out.txt"
	adapted := m.AdaptPrompt("acme", text)
	assert.Equal(t, "wrote file to "+paths.Mount+"out.txt", adapted)
}

func TestCleanup_RemovesWorkspaceAndForgetsIt(t *testing.T) {
	m := newTestManager(t)
	paths, err := m.Provision("acme")
	require.NoError(t, err)

	require.NoError(t, m.Cleanup("acme"))

	_, err = m.Resolve("acme", "x")
	require.Error(t, err)

	_, statErr := os.Stat(paths.InternalRoot)
	assert.True(t, os.IsNotExist(statErr))
}

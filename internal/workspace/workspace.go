// Package workspace implements the Workspace Manager (SPEC_FULL.md §4.A): a
// per-client sandboxed directory tree with a public "mount" path the driver
// and tools see, and confinement so no path resolves outside the client's
// internal root.
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"okcvm/internal/okcerr"
)

// deniedWriteBasenames blocks writes to files that could re-point shell
// startup or SSH auth for whatever user the process runs as.
var deniedWriteBasenames = map[string]bool{
	".bashrc":              true,
	".bash_profile":        true,
	".profile":             true,
	".zshrc":               true,
	".gitconfig":           true,
	"authorized_keys":      true,
	"config":               true, // .ssh/config, checked alongside its parent below
}

// Paths describes where a client's workspace lives on disk and how it is
// addressed by tools and prompts. SessionID is generated fresh every time a
// workspace is (re)provisioned, so a reset-then-reprovision never reuses a
// prior mount.
type Paths struct {
	ClientID     string
	SessionID    string
	InternalRoot string
	Mount        string
	Output       string
	CreatedAt    time.Time
}

type entry struct {
	paths Paths
}

// Manager owns every client's workspace. Safe for concurrent use.
type Manager struct {
	basePath    string
	mountPrefix string

	mu         sync.RWMutex
	workspaces map[string]*entry
}

// NewManager constructs a Manager rooted at basePath, addressing each
// workspace under the mount "<mountPrefix>-<sessionID>/".
func NewManager(basePath, mountPrefix string) *Manager {
	return &Manager{
		basePath:    basePath,
		mountPrefix: mountPrefix,
		workspaces:  make(map[string]*entry),
	}
}

// Provision creates (or returns the existing) workspace directory for a
// client. Idempotent while the workspace stands; a prior Cleanup makes the
// next Provision mint a new session id and a disjoint mount/internal root.
func (m *Manager) Provision(clientID string) (*Paths, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.workspaces[clientID]; ok {
		p := e.paths
		return &p, nil
	}

	sessionID, err := newSessionID()
	if err != nil {
		return nil, &okcerr.WorkspaceIOError{Op: "provision", Err: err}
	}

	root := filepath.Join(m.basePath, sanitizeClientID(clientID), sessionID)
	mount := m.mountPath(sessionID)
	for _, sub := range []string{"mnt", "output", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, &okcerr.WorkspaceIOError{Op: "provision", Err: err}
		}
	}

	paths := Paths{
		ClientID:     clientID,
		SessionID:    sessionID,
		InternalRoot: root,
		Mount:        mount,
		Output:       strings.TrimRight(mount, "/") + "/output/",
		CreatedAt:    time.Now(),
	}
	m.workspaces[clientID] = &entry{paths: paths}
	return &paths, nil
}

func (m *Manager) mountPath(sessionID string) string {
	return strings.TrimRight(m.mountPrefix, "/") + "-" + sessionID + "/"
}

// newSessionID generates a random 8 hex character session id.
func newSessionID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Resolve maps a tool-facing path (either relative to the workspace root, or
// expressed under the public mount prefix) to a confined absolute path on
// disk. Returns PathEscapeError if the result would fall outside the
// client's internal root.
func (m *Manager) Resolve(clientID, path string) (string, error) {
	m.mu.RLock()
	e, ok := m.workspaces[clientID]
	m.mu.RUnlock()
	if !ok {
		return "", &okcerr.NotFoundError{Resource: "workspace", ID: clientID}
	}

	root := e.paths.InternalRoot
	mount := e.paths.Mount

	var full string
	switch {
	case strings.HasPrefix(path, mount):
		// Expressed under the public mount: rebase onto the internal root.
		rel := strings.TrimPrefix(strings.TrimPrefix(path, mount), "/")
		full = filepath.Join(root, rel)
	case filepath.IsAbs(path):
		// An absolute path not under this client's mount can never be
		// confined by joining — resolve it as-is so the confinement check
		// below correctly rejects it.
		full = filepath.Clean(path)
	default:
		full = filepath.Join(root, path)
	}

	full, err := filepath.Abs(full)
	if err != nil {
		return "", &okcerr.WorkspaceIOError{Op: "resolve", Err: err}
	}

	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", &okcerr.PathEscapeError{Path: path, Resolved: full}
	}

	return full, nil
}

// ValidateWrite additionally rejects writes to a small set of dotfiles that
// could alter shell or SSH behaviour for the workspace's owning process.
func (m *Manager) ValidateWrite(clientID, path string) (string, error) {
	full, err := m.Resolve(clientID, path)
	if err != nil {
		return "", err
	}

	base := filepath.Base(full)
	if deniedWriteBasenames[base] {
		parent := filepath.Base(filepath.Dir(full))
		if base != "config" || parent == ".ssh" {
			return "", &okcerr.WorkspaceIOError{
				Op:  "write",
				Err: fmt.Errorf("writes to %s are not permitted", base),
			}
		}
	}

	return full, nil
}

// AdaptPrompt rewrites any internal filesystem path appearing in text to the
// client's public mount form, so a driver never sees the real host path.
func (m *Manager) AdaptPrompt(clientID, text string) string {
	m.mu.RLock()
	e, ok := m.workspaces[clientID]
	m.mu.RUnlock()
	if !ok {
		return text
	}
	root := e.paths.InternalRoot
	text = strings.ReplaceAll(text, root+string(filepath.Separator), e.paths.Mount)
	return strings.ReplaceAll(text, root, strings.TrimRight(e.paths.Mount, "/"))
}

// Cleanup removes a client's workspace directory tree and drops it from the
// registry.
func (m *Manager) Cleanup(clientID string) error {
	m.mu.Lock()
	e, ok := m.workspaces[clientID]
	delete(m.workspaces, clientID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(e.paths.InternalRoot); err != nil {
		return &okcerr.WorkspaceIOError{Op: "cleanup", Err: err}
	}
	return nil
}

// FileCount walks a client's workspace and reports its file count and total
// byte size, used by the files-listing endpoint. The Git Snapshot Engine's
// .git directory is not counted.
func (m *Manager) FileCount(clientID string) (count int, totalBytes int64, err error) {
	m.mu.RLock()
	e, ok := m.workspaces[clientID]
	m.mu.RUnlock()
	if !ok {
		return 0, 0, &okcerr.NotFoundError{Resource: "workspace", ID: clientID}
	}

	walkErr := filepath.Walk(e.paths.InternalRoot, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}
		if !info.IsDir() {
			count++
			totalBytes += info.Size()
		}
		return nil
	})
	if walkErr != nil {
		return 0, 0, &okcerr.WorkspaceIOError{Op: "file_count", Err: walkErr}
	}
	return count, totalBytes, nil
}

func sanitizeClientID(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "..", "_")
	return id
}

// Package session implements Session State (SPEC_FULL.md §4.E): the
// per-client composition root that wires one Workspace Manager, one Git
// Snapshot Engine, the shared Tool Registry and one Virtual Machine into a
// single object the HTTP Surface drives, one instance per client id.
package session

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"okcvm/internal/gitengine"
	"okcvm/internal/okcerr"
	"okcvm/internal/stream"
	"okcvm/internal/toolregistry"
	"okcvm/internal/vm"
	"okcvm/internal/workspace"
	"okcvm/pkg/convo"
	"okcvm/pkg/llm"
	"okcvm/pkg/tool"
)

// State is one client's live session: its workspace, its git engine, the
// conversations it owns, and the VM that drives turns against them. A
// per-session mutex serialises Respond calls for one session, per
// SPEC_FULL.md §9 ("concurrent Respond for one session: blocks").
type State struct {
	ClientID string

	workspace       *workspace.Manager
	paths           *workspace.Paths
	git             *gitengine.Engine
	registry        *toolregistry.Registry
	vm              *vm.VM
	deploymentsRoot string
	gitInitTimeout  time.Duration

	mu            sync.Mutex
	conversations map[string]*convo.Conversation
	idSeq         int
}

// Deps bundles the collaborators Boot wires together. Registry and Driver
// are shared across all clients; Workspace/Git are constructed fresh per
// client by Boot.
type Deps struct {
	WorkspaceBasePath string
	WorkspaceMountPfx string
	DeploymentsRoot   string
	GitInitTimeout    time.Duration
	Registry          *toolregistry.Registry
	Driver            llm.Driver
	ToolTimeout       time.Duration
	MaxSteps          int
}

// Boot provisions a brand-new client session: a dedicated workspace
// directory, a Git engine probed (and gracefully disabled if unavailable)
// against that workspace, and a VM bound to the shared registry and driver.
func Boot(ctx context.Context, clientID string, deps Deps) (*State, error) {
	wsManager := workspace.NewManager(deps.WorkspaceBasePath, deps.WorkspaceMountPfx)
	paths, err := wsManager.Provision(clientID)
	if err != nil {
		return nil, err
	}

	initTimeout := deps.GitInitTimeout
	if initTimeout == 0 {
		initTimeout = 5 * time.Second
	}
	gitEngine := gitengine.New(paths.InternalRoot)
	gitEngine.Init(ctx, initTimeout)

	var opts []vm.Option
	if deps.MaxSteps > 0 {
		opts = append(opts, vm.WithMaxSteps(deps.MaxSteps))
	}
	if deps.ToolTimeout > 0 {
		opts = append(opts, vm.WithToolTimeout(deps.ToolTimeout))
	}
	machine := vm.New(deps.Driver, deps.Registry, opts...)

	return &State{
		ClientID:        clientID,
		workspace:       wsManager,
		paths:           paths,
		git:             gitEngine,
		registry:        deps.Registry,
		vm:              machine,
		deploymentsRoot: deps.DeploymentsRoot,
		gitInitTimeout:  initTimeout,
		conversations:   make(map[string]*convo.Conversation),
	}, nil
}

// ensureProvisionedLocked returns the session's current workspace paths,
// lazily re-provisioning a fresh workspace and Git engine if DeleteHistory
// tore the prior one down. Callers must already hold s.mu.
func (s *State) ensureProvisionedLocked(ctx context.Context) (*workspace.Paths, error) {
	if s.paths != nil {
		return s.paths, nil
	}
	paths, err := s.workspace.Provision(s.ClientID)
	if err != nil {
		return nil, err
	}
	gitEngine := gitengine.New(paths.InternalRoot)
	gitEngine.Init(ctx, s.gitInitTimeout)
	s.paths = paths
	s.git = gitEngine
	return paths, nil
}

// WorkspacePaths returns this client's provisioned workspace paths, e.g.
// for rendering a VM description payload. Returns the zero value if the
// session hasn't been (re-)provisioned since the last DeleteHistory.
func (s *State) WorkspacePaths() workspace.Paths {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paths == nil {
		return workspace.Paths{}
	}
	return *s.paths
}

// GitState reports the Git Snapshot Engine's current state for this
// client's workspace.
func (s *State) GitState() gitengine.State { return s.git.State() }

// Tools exposes the shared Tool Registry's stable-ordered catalogue, for a
// VM description payload.
func (s *State) Tools() []tool.Spec { return s.registry.List() }

func (s *State) nextConversationID() string {
	s.idSeq++
	return s.ClientID + "-conv-" + time.Now().UTC().Format("20060102T150405") + "-" + strconv.Itoa(s.idSeq)
}

// EnsureConversation returns the conversation with id, creating a fresh one
// (and assigning it a dedicated git branch, if the Git engine is Ready) when
// it doesn't yet exist and id is empty.
func (s *State) EnsureConversation(ctx context.Context, id string) (*convo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if c, ok := s.conversations[id]; ok {
			return c, nil
		}
	}

	newID := id
	if newID == "" {
		newID = s.nextConversationID()
	}
	conv := &convo.Conversation{
		ID:        newID,
		ClientID:  convo.ClientID(s.ClientID),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Entries:   make(map[string]*convo.HistoryEntry),
	}

	if s.git.State() == gitengine.Ready {
		branch, err := s.git.AssignBranch(ctx, newID)
		if err == nil {
			conv.GitBranch = branch
		}
	}

	s.conversations[newID] = conv
	return conv, nil
}

// RespondOptions forwards turn-scoped overrides (system prompt, streaming
// sink) down to the VM without exposing vm.RespondOptions' internals.
type RespondOptions struct {
	SystemPrompt string
	Bridge       *stream.Bridge
	// ReplaceLast, if true, discards the most recent user turn (and
	// whatever assistant/tool entries it produced) before running this
	// one, per SPEC_FULL.md §4.D's "edit and resend" flow.
	ReplaceLast bool
}

// Respond runs one conversation turn. Concurrent Respond calls against the
// same conversation are serialised by s.mu, per SPEC_FULL.md §9.
func (s *State) Respond(ctx context.Context, conversationID, userMessage string, ropts RespondOptions) ([]*convo.HistoryEntry, error) {
	conv, err := s.EnsureConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ropts.ReplaceLast {
		rewindLastTurn(conv)
	}

	paths, err := s.ensureProvisionedLocked(ctx)
	if err != nil {
		return nil, err
	}

	// Continue the conversation's id sequence past its existing entries so a
	// later turn never reuses an earlier entry's id.
	idGen := vm.NewIDGenerator(conv.ID)
	for range conv.Entries {
		idGen.Next()
	}

	entries, err := s.vm.Respond(ctx, conv, userMessage, vm.RespondOptions{
		SystemPrompt:  ropts.SystemPrompt,
		ClientID:      s.ClientID,
		WorkspaceRoot: paths.InternalRoot,
		Resolve: func(path string) (string, error) {
			return s.workspace.Resolve(s.ClientID, path)
		},
		Bridge: ropts.Bridge,
		IDGen:  idGen,
	})
	if err != nil {
		return entries, err
	}

	if s.git.State() == gitengine.Ready {
		_, _ = s.git.Snapshot(ctx, "turn: "+truncate(userMessage, 72))
	}

	return entries, nil
}

// rewindLastTurn removes the most recent user message and every entry it
// produced (assistant text, tool invocations) from conv, walking back from
// HeadID until the last user entry is also removed, then resetting HeadID to
// that entry's parent. A conversation with no entries, or one ending before
// any user message, is left untouched.
func rewindLastTurn(conv *convo.Conversation) {
	id := conv.HeadID
	for id != "" {
		e, ok := conv.Entries[id]
		if !ok {
			break
		}
		parent := e.ParentID
		delete(conv.Entries, id)
		conv.HeadID = parent
		id = parent
		if e.Role == convo.RoleUser {
			return
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ListHistory returns a conversation's chronological entries, most recent
// limit only if limit > 0.
func (s *State) ListHistory(conversationID string, limit int) ([]*convo.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, &okcerr.NotFoundError{Resource: "conversation", ID: conversationID}
	}
	return conv.RecentHistory(limit), nil
}

// DeleteHistory clears every conversation this session holds and destroys
// its workspace, including the client's deployment directory, marking the
// session for re-provision on its next access.
func (s *State) DeleteHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string]*convo.Conversation)
	s.idSeq = 0

	if err := s.workspace.Cleanup(s.ClientID); err != nil {
		return err
	}
	if s.deploymentsRoot != "" {
		if err := os.RemoveAll(filepath.Join(s.deploymentsRoot, s.ClientID)); err != nil {
			return &okcerr.WorkspaceIOError{Op: "delete_deployments", Err: err}
		}
	}

	s.paths = nil
	s.git = gitengine.New("")
	return nil
}

// ListSnapshots surfaces the Git engine's commit log, or a
// SnapshotDisabledError when the engine isn't Ready.
func (s *State) ListSnapshots(ctx context.Context, limit int) ([]gitengine.Snapshot, error) {
	if s.git.State() != gitengine.Ready {
		return nil, &okcerr.SnapshotDisabledError{Reason: "git engine is not ready for this client"}
	}
	return s.git.ListSnapshots(ctx, limit)
}

// CreateSnapshot commits the current workspace state under message.
func (s *State) CreateSnapshot(ctx context.Context, message string) (*gitengine.Snapshot, error) {
	if s.git.State() != gitengine.Ready {
		return nil, &okcerr.SnapshotDisabledError{Reason: "git engine is not ready for this client"}
	}
	return s.git.Snapshot(ctx, message)
}

// RestoreSnapshot resets the workspace to a prior snapshot.
func (s *State) RestoreSnapshot(ctx context.Context, id string) error {
	if s.git.State() != gitengine.Ready {
		return &okcerr.SnapshotDisabledError{Reason: "git engine is not ready for this client"}
	}
	return s.git.Restore(ctx, id)
}

// AssignBranch assigns (creating if necessary) conversationID's dedicated
// git branch.
func (s *State) AssignBranch(ctx context.Context, conversationID string) (string, error) {
	if s.git.State() != gitengine.Ready {
		return "", &okcerr.SnapshotDisabledError{Reason: "git engine is not ready for this client"}
	}
	return s.git.AssignBranch(ctx, conversationID)
}

// maxRetainedSnapshots is the most-recent commit count PruneSnapshots keeps.
const maxRetainedSnapshots = 50

// PruneSnapshots discards every commit beyond the most recent
// maxRetainedSnapshots on the current branch.
func (s *State) PruneSnapshots(ctx context.Context) error {
	if s.git.State() != gitengine.Ready {
		return &okcerr.SnapshotDisabledError{Reason: "git engine is not ready for this client"}
	}
	return s.git.Prune(ctx, maxRetainedSnapshots)
}

// WorkspaceState is the client-facing workspace report: whether snapshotting
// is enabled, the available snapshots, the most recent one, the workspace's
// paths, and the Git engine's current HEAD status.
type WorkspaceState struct {
	Enabled        bool                `json:"enabled"`
	Snapshots      []gitengine.Snapshot `json:"snapshots"`
	LatestSnapshot string              `json:"latest_snapshot,omitempty"`
	Paths          workspace.Paths     `json:"paths"`
	Git            *gitengine.Status   `json:"git,omitempty"`
	FileCount      int                 `json:"file_count"`
	TotalBytes     int64               `json:"total_bytes"`
}

// WorkspaceStateSummary reports the client workspace's paths and, when the
// Git engine is Ready, its snapshot list, latest snapshot hash, and HEAD
// status.
func (s *State) WorkspaceStateSummary(ctx context.Context) (*WorkspaceState, error) {
	s.mu.Lock()
	paths, err := s.ensureProvisionedLocked(ctx)
	git := s.git
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	state := &WorkspaceState{Paths: *paths}
	if count, total, err := s.workspace.FileCount(s.ClientID); err == nil {
		state.FileCount = count
		state.TotalBytes = total
	}
	if git.State() != gitengine.Ready {
		return state, nil
	}
	state.Enabled = true

	snaps, err := git.ListSnapshots(ctx, 0)
	if err != nil {
		return nil, err
	}
	state.Snapshots = snaps
	if len(snaps) > 0 {
		state.LatestSnapshot = snaps[0].ID
	}

	status, err := git.Describe(ctx)
	if err != nil {
		return nil, err
	}
	state.Git = status
	return state, nil
}

// Describe reports the VM's current description for conversationID (history
// length and namespace are zero-valued when conversationID is unknown or
// empty), per SPEC_FULL.md §4.D.
func (s *State) Describe(ctx context.Context, conversationID, systemPrompt string) (*vm.Info, error) {
	var historyLength int
	var namespace string
	if conversationID != "" {
		s.mu.Lock()
		if conv, ok := s.conversations[conversationID]; ok {
			historyLength = len(conv.Entries)
			namespace = conv.ID
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	paths, err := s.ensureProvisionedLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return s.vm.Describe(systemPrompt, historyLength, namespace, paths.SessionID, paths.Mount, paths.Output), nil
}

// UploadFiles writes pre-read upload payloads into the client workspace at
// their given relative paths, enforcing workspace confinement and the
// dotfile denylist. Tool-driven writes (write_file) resolve through Resolve
// and get confinement only.
func (s *State) UploadFiles(uploads map[string][]byte) ([]convo.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]convo.Upload, 0, len(uploads))
	for name, data := range uploads {
		full, err := s.workspace.ValidateWrite(s.ClientID, name)
		if err != nil {
			return results, err
		}
		if err := writeFile(full, data); err != nil {
			return results, &okcerr.WorkspaceIOError{Op: "upload", Err: err}
		}
		results = append(results, convo.Upload{
			Name:      name,
			SizeBytes: int64(len(data)),
			SHA256:    sha256Hex(data),
			CreatedAt: time.Now(),
		})
	}
	return results, nil
}

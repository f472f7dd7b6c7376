package gitengine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func hasGit() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

func newReadyEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	if !hasGit() {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	e := New(dir)
	e.Init(context.Background(), 5*time.Second)
	if e.State() != Ready {
		t.Fatalf("expected Ready, got %s", e.State())
	}
	return e, dir
}

func TestInit_DisablesWhenGitMissing(t *testing.T) {
	e := New(t.TempDir())
	// Force a PATH with no git binary.
	old := os.Getenv("PATH")
	os.Setenv("PATH", t.TempDir())
	defer os.Setenv("PATH", old)

	e.Init(context.Background(), time.Second)
	if e.State() != Disabled {
		t.Errorf("expected Disabled, got %s", e.State())
	}
}

func TestSnapshot_CleanTreeStillCommits(t *testing.T) {
	e, _ := newReadyEngine(t)
	ctx := context.Background()

	snap, err := e.Snapshot(ctx, "nothing changed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap == nil || snap.Message != "nothing changed" {
		t.Errorf("expected an empty-commit snapshot for clean tree, got %+v", snap)
	}
}

func TestSnapshotAndRestore_RoundTrips(t *testing.T) {
	e, dir := newReadyEngine(t)
	ctx := context.Background()
	file := filepath.Join(dir, "note.txt")

	os.WriteFile(file, []byte("first"), 0644)
	first, err := e.Snapshot(ctx, "first version")
	if err != nil || first == nil {
		t.Fatalf("expected a snapshot, got %+v err=%v", first, err)
	}

	os.WriteFile(file, []byte("second"), 0644)
	second, err := e.Snapshot(ctx, "second version")
	if err != nil || second == nil {
		t.Fatalf("expected a snapshot, got %+v err=%v", second, err)
	}

	if err := e.Restore(ctx, first.ID); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	got, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("expected restored content %q, got %q", "first", string(got))
	}
}

func TestRestore_UnknownSnapshotID(t *testing.T) {
	e, _ := newReadyEngine(t)
	ctx := context.Background()

	err := e.Restore(ctx, "deadbeef")
	if err == nil {
		t.Fatal("expected error restoring unknown snapshot")
	}
}

func TestAssignBranch_CreatesThenReusesBranch(t *testing.T) {
	e, _ := newReadyEngine(t)
	ctx := context.Background()

	branch, err := e.AssignBranch(ctx, "Conversation #1: fix bug")
	if err != nil {
		t.Fatalf("assign branch failed: %v", err)
	}

	again, err := e.AssignBranch(ctx, "Conversation #1: fix bug")
	if err != nil {
		t.Fatalf("re-assign branch failed: %v", err)
	}
	if branch != again {
		t.Errorf("expected stable branch name, got %q then %q", branch, again)
	}
}

func TestListSnapshots_OrderedMostRecentFirst(t *testing.T) {
	e, dir := newReadyEngine(t)
	ctx := context.Background()
	file := filepath.Join(dir, "note.txt")

	os.WriteFile(file, []byte("v1"), 0644)
	e.Snapshot(ctx, "v1")
	os.WriteFile(file, []byte("v2"), 0644)
	e.Snapshot(ctx, "v2")

	snaps, err := e.ListSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("list snapshots failed: %v", err)
	}
	if len(snaps) < 2 {
		t.Fatalf("expected at least 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Message != "v2" {
		t.Errorf("expected most recent first, got %q", snaps[0].Message)
	}
}

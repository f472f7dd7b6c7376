// Package reaper implements the Background Reaper (SPEC_FULL.md §4.I's
// Component N): an hourly sweep that bounds otherwise-unbounded Git history
// and deployment directories. Grounded on
// internal/services/scheduler.go's cron.New()+AddFunc wiring.
package reaper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"okcvm/internal/gitengine"
	"okcvm/internal/logging"
	"okcvm/internal/session"
	"okcvm/internal/sessionstore"

	"github.com/robfig/cron/v3"
)

const maxRetainedSnapshots = 50

// cronLogger adapts okcvm/internal/logging to cron.Logger so the scheduler's
// own diagnostics (job added, job run, recovered panics) go through the same
// sink as the rest of the process instead of a dedicated stdlib logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Info("reaper: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("reaper: %s: %v %v", msg, err, keysAndValues)
}

// Reaper periodically visits every live session's workspace and every
// client's deployments_root, trimming what SPEC_FULL.md §4.I names: Git
// history beyond the most recent maxRetainedSnapshots, and deployment
// directories with no owning conversation row. It never deletes a snapshot
// or deployment still reachable from a live session or conversation.
type Reaper struct {
	cron            *cron.Cron
	store           sessionstore.Store
	deploymentsRoot string
	liveConvIDs     func() map[string]bool
}

// New constructs a Reaper. liveConvIDs, if non-nil, is consulted before
// deleting a deployment directory so conversations still referencing it
// survive the sweep; a nil liveConvIDs treats every deployment id as
// orphaned once its directory is older than one sweep interval (used when
// no Conversation Persistence store is configured).
func New(store sessionstore.Store, deploymentsRoot string, liveConvIDs func() map[string]bool) *Reaper {
	c := cron.New(cron.WithLogger(cronLogger{}))
	return &Reaper{cron: c, store: store, deploymentsRoot: deploymentsRoot, liveConvIDs: liveConvIDs}
}

// Start schedules the hourly sweep and starts the cron scheduler.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc("@hourly", r.sweep); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop stops the cron scheduler, waiting for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reaper) sweep() {
	ctx := context.Background()
	ids, err := r.store.List(ctx)
	if err != nil {
		logging.Error("reaper: list sessions: %v", err)
		return
	}

	for _, clientID := range ids {
		sess, ok := r.store.TryGet(clientID)
		if !ok {
			continue
		}
		r.trimSnapshots(ctx, sess)
		r.trimDeployments(clientID)
	}
}

func (r *Reaper) trimSnapshots(ctx context.Context, sess *session.State) {
	if sess.GitState() != gitengine.Ready {
		return
	}
	snaps, err := sess.ListSnapshots(ctx, 0)
	if err != nil || len(snaps) <= maxRetainedSnapshots {
		return
	}
	// ListSnapshots is most-recent-first; nothing beyond maxRetainedSnapshots
	// is reachable from the live workspace restore UI, so it is safe to
	// rewrite out of history.
	dropped := len(snaps) - maxRetainedSnapshots
	if err := sess.PruneSnapshots(ctx); err != nil {
		logging.Error("reaper: prune snapshots for client %s: %v", sess.ClientID, err)
		return
	}
	logging.Info("reaper: client %s pruned %d snapshots beyond retention", sess.ClientID, dropped)
}

func (r *Reaper) trimDeployments(clientID string) {
	if r.deploymentsRoot == "" {
		return
	}
	root := filepath.Join(r.deploymentsRoot, clientID)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	var live map[string]bool
	if r.liveConvIDs != nil {
		live = r.liveConvIDs()
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if live != nil && live[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < time.Hour {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logging.Error("reaper: remove orphaned deployment %s: %v", path, err)
		}
	}
}

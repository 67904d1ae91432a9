package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-sync/pkg/copyengine"
	"github.com/paulschiretz/pgl-sync/pkg/executor"
	"github.com/paulschiretz/pgl-sync/pkg/hints"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/metastore"
	"github.com/paulschiretz/pgl-sync/pkg/metrics"
	"github.com/paulschiretz/pgl-sync/pkg/planner"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
	"github.com/paulschiretz/pgl-sync/pkg/scanner"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/syncerr"
	"github.com/paulschiretz/pgl-sync/pkg/synclog"
	"github.com/paulschiretz/pgl-sync/pkg/syncmsg"
)

// execute performs one run and classifies how it ended.
func (r *Runner) execute(ctx context.Context, sess *syncmsg.Session) *Report {
	rep := &Report{RunID: uuid.NewString(), Metrics: metrics.NewSyncMetrics()}

	err := r.sync(ctx, sess, rep)
	rep.Err = err
	rep.Status = statusOf(err)

	switch rep.Status {
	case syncmsg.Complete:
		plog.Info("Sync completed", "runId", rep.RunID)
	case syncmsg.Stopped:
		plog.Info("Sync stopped", "runId", rep.RunID, "reason", err)
	default:
		plog.Error("Sync failed", "runId", rep.RunID, "error", err)
		_ = sess.Emit(ctx, syncmsg.LogEvent("Sync failed: "+err.Error()))
	}
	if rep.Result != nil {
		rep.Metrics.Log()
	}

	env := hook.Env{LocalRoot: r.cfg.LocalRoot, MirrorRoot: r.cfg.MirrorRoot, RunID: rep.RunID, Status: rep.Status.String()}
	if rep.Status != syncmsg.Stopped {
		if err := r.hooks.RunPostSync(ctx, r.cfg.Hooks, env); err != nil && !hints.IsHint(err) {
			plog.Warn("Post-sync hooks did not finish", "error", err)
		}
	}
	return rep
}

// sync is the run itself. Every error it returns ends the run.
func (r *Runner) sync(ctx context.Context, sess *syncmsg.Session, rep *Report) (retErr error) {
	cfg := r.cfg
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.LocalRoot == "" || cfg.MirrorRoot == "" {
		return syncerr.Input("resolve roots", "", errors.New("local and mirror roots must both be set"))
	}

	if err := preflight.Run(cfg.Preflight, cfg.LocalRoot, cfg.MirrorRoot); err != nil {
		return syncerr.Input("preflight", cfg.MirrorRoot, err)
	}

	lock, err := lockfile.Acquire(ctx, cfg.MirrorRoot, rep.RunID, cfg.LockWait)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return syncerr.Input("lock mirror", cfg.MirrorRoot, err)
	}
	defer lock.Release()

	actionLog, err := synclog.Open(cfg.MirrorRoot, cfg.Log)
	if err != nil {
		return err
	}
	defer actionLog.Close()
	_ = actionLog.Writef("Sync %s started: %s <-> %s", rep.RunID, cfg.LocalRoot, cfg.MirrorRoot)
	defer func() {
		switch statusOf(retErr) {
		case syncmsg.Complete:
			_ = actionLog.Writef("Sync %s completed", rep.RunID)
		case syncmsg.Stopped:
			_ = actionLog.Writef("Sync %s stopped", rep.RunID)
		default:
			_ = actionLog.Writef("Sync %s failed: %v", rep.RunID, retErr)
		}
	}()

	env := hook.Env{LocalRoot: cfg.LocalRoot, MirrorRoot: cfg.MirrorRoot, RunID: rep.RunID}
	if err := r.hooks.RunPreSync(ctx, cfg.Hooks, env); err != nil && !hints.IsHint(err) {
		return fmt.Errorf("pre-sync hook failed: %w", err)
	}

	plog.Info("Starting sync", "local", cfg.LocalRoot, "mirror", cfg.MirrorRoot, "runId", rep.RunID)
	emit := func(text string) error { return sess.Emit(ctx, syncmsg.LogEvent(text)) }

	excl, err := scanner.LoadExclusions(cfg.LocalRoot, cfg.Exclusions)
	if err != nil {
		return syncerr.Input("load exclusions", cfg.LocalRoot, err)
	}
	base, info, err := metastore.Load(cfg.MirrorRoot)
	if err != nil {
		return err
	}
	if !info.SavedAt.IsZero() {
		plog.Debug("Baseline loaded", "savedAt", info.SavedAt, "runId", info.RunID, "files", len(base.Files))
	}

	if err := emit("Scanning local tree"); err != nil {
		return err
	}
	local, err := r.scan(ctx, sess, "local", cfg.LocalRoot, base, excl, false)
	if err != nil {
		return err
	}
	if err := emit("Scanning remote tree"); err != nil {
		return err
	}
	remote, err := r.scan(ctx, sess, "remote", cfg.MirrorRoot, base, excl, false)
	if err != nil {
		return err
	}

	plan, err := planner.GenerateSyncPlan(ctx, local, remote, base)
	if err != nil {
		return err
	}
	rep.Plan = plan
	for _, p := range plan.Clashes {
		plog.Warn("Skipping path that is a file on one side and a directory on the other", "path", p)
		if err := emit(fmt.Sprintf("Skipping %s: file on one side, directory on the other", p)); err != nil {
			return err
		}
	}

	if plan.IsEmpty() {
		if err := emit("Nothing to synchronize"); err != nil {
			return err
		}
		return r.saveBaseline(nextBaseline(local, base, plan.Clashes, nil), rep.RunID)
	}
	plog.Info("Sync plan ready", "actions", len(plan.Actions), "bytes", humanize.IBytes(uint64(plan.TotalBytes)))
	if err := emit(fmt.Sprintf("%d actions planned, %s to transfer", len(plan.Actions), humanize.IBytes(uint64(plan.TotalBytes)))); err != nil {
		return err
	}

	if cfg.CheckFreeSpace {
		toLocal, toRemote := incomingBytes(plan, local, remote)
		if err := preflight.CheckFreeSpace(cfg.MirrorRoot, toRemote); err != nil {
			return syncerr.IO("check free space", cfg.MirrorRoot, err)
		}
		if err := preflight.CheckFreeSpace(cfg.LocalRoot, toLocal); err != nil {
			return syncerr.IO("check free space", cfg.LocalRoot, err)
		}
	}

	copier := copyengine.New(copyengine.Options{
		LargeFileThreshold: cfg.LargeFileThreshold,
		ChunkSize:          cfg.CopyBufferSize,
		ProgressInterval:   cfg.CopyProgressInterval,
		Clock:              cfg.Clock,
	})
	x := executor.New(executor.Config{
		LocalRoot:    cfg.LocalRoot,
		RemoteRoot:   cfg.MirrorRoot,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.ReplyPollInterval,
		ReplyTimeout: cfg.ReplyTimeout,
		Clock:        cfg.Clock,
	}, sess, actionLog, copier, rep.Metrics)

	res, err := x.Execute(ctx, plan)
	rep.Result = res
	if err != nil {
		return err
	}

	if err := emit("Updating sync metadata"); err != nil {
		return err
	}
	final, err := r.scan(ctx, sess, "local", cfg.LocalRoot, nil, excl, true)
	if err != nil {
		return err
	}
	return r.saveBaseline(nextBaseline(final, base, plan.Clashes, res), rep.RunID)
}

// Preview scans both trees and plans without executing, locking or saving.
// A mirror root that does not exist yet is treated as an empty tree.
func (r *Runner) Preview(ctx context.Context) (*Preview, error) {
	cfg := r.cfg
	if cfg.LocalRoot == "" || cfg.MirrorRoot == "" {
		return nil, syncerr.Input("resolve roots", "", errors.New("local and mirror roots must both be set"))
	}
	if err := preflight.Run(preflight.ReadOnlyPlan, cfg.LocalRoot, cfg.MirrorRoot); err != nil {
		return nil, syncerr.Input("preflight", cfg.MirrorRoot, err)
	}

	excl, err := scanner.LoadExclusions(cfg.LocalRoot, cfg.Exclusions)
	if err != nil {
		return nil, syncerr.Input("load exclusions", cfg.LocalRoot, err)
	}
	base, _, err := metastore.Load(cfg.MirrorRoot)
	if err != nil {
		return nil, err
	}
	local, err := r.scan(ctx, nil, "local", cfg.LocalRoot, base, excl, false)
	if err != nil {
		return nil, err
	}
	remote := snapshot.New()
	if _, statErr := os.Stat(cfg.MirrorRoot); statErr == nil {
		remote, err = r.scan(ctx, nil, "remote", cfg.MirrorRoot, base, excl, false)
		if err != nil {
			return nil, err
		}
	}

	plan, err := planner.GenerateSyncPlan(ctx, local, remote, base)
	if err != nil {
		return nil, err
	}
	toLocal, toRemote := incomingBytes(plan, local, remote)
	return &Preview{Plan: plan, Local: local, Remote: remote, Baseline: base, BytesToLocal: toLocal, BytesToRemote: toRemote}, nil
}

// scan snapshots one tree, forwarding progress to sess when it is set.
func (r *Runner) scan(ctx context.Context, sess *syncmsg.Session, label, root string, base *snapshot.Snapshot, excl *scanner.Exclusions, force bool) (*snapshot.Snapshot, error) {
	s := scanner.New(scanner.Options{
		Workers:       r.cfg.ScanWorkers,
		ProgressEvery: r.cfg.ProgressEvery,
		ForceRehash:   force,
		Label:         label,
		Exclusions:    excl,
		ControlFiles:  ControlFiles,
	})
	var progress scanner.ProgressFunc
	if sess != nil {
		progress = func(fraction float64, text string) {
			sess.EmitProgress(syncmsg.ProgressEvent(fraction, text))
		}
	}
	snap, stats, err := s.Scan(ctx, root, base, progress)
	if err != nil {
		return nil, err
	}
	plog.Info("Scanned tree", "tree", label, "files", stats.Files, "dirs", stats.Dirs,
		"hashed", stats.Hashed, "size", humanize.IBytes(uint64(stats.Bytes)))
	return snap, nil
}

func (r *Runner) saveBaseline(snap *snapshot.Snapshot, runID string) error {
	if err := metastore.Save(r.cfg.MirrorRoot, snap, metastore.NewInfo(runID)); err != nil {
		return fmt.Errorf("could not save baseline: %w", err)
	}
	return nil
}

// Package engine runs one synchronization between a local tree and its mirror.
//
// A run is started with Runner.Start and lives on its own goroutine. The
// caller talks to it only through the returned syncmsg.Session: it reads
// events until the terminal one and answers deletion and conflict requests.
//
// --- Run outline ---
//
//  1. Preflight checks on both roots, then the single-writer lock on the mirror.
//  2. Pre-sync hooks.
//  3. Load the baseline, scan local then remote against it.
//  4. Plan, check free space, execute.
//  5. Rescan the local tree with every hash recomputed and save it as the new
//     baseline, without skipped conflicts and with denied deletions restored.
//  6. Post-sync hooks, then exactly one terminal event.
//
// Nothing is rolled back. A stopped or failed run leaves the previous baseline
// in place and the next run converges from whatever state the trees are in.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/copyengine"
	"github.com/paulschiretz/pgl-sync/pkg/executor"
	"github.com/paulschiretz/pgl-sync/pkg/hints"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/metastore"
	"github.com/paulschiretz/pgl-sync/pkg/metrics"
	"github.com/paulschiretz/pgl-sync/pkg/planner"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/syncerr"
	"github.com/paulschiretz/pgl-sync/pkg/synclog"
	"github.com/paulschiretz/pgl-sync/pkg/syncmsg"
)

// ControlFiles are the files the engine keeps at the mirror root. They are
// invisible to scans of either tree, as are copy temp files anywhere.
var ControlFiles = []string{
	metastore.FileName,
	metastore.FileName + ".*.tmp",
	synclog.FileName,
	synclog.FileName + ".*",
	lockfile.LockFileName + "*",
	config.ConfigFileName,
	".pgl-sync-writetest.tmp",
	"**/*" + copyengine.TempSuffix,
}

// Config holds everything one run needs. Zero values select defaults.
type Config struct {
	LocalRoot  string
	MirrorRoot string

	ScanWorkers   int
	ProgressEvery int
	// Exclusions are doublestar patterns applied to both trees on top of .syncignore.
	Exclusions []string

	LargeFileThreshold int64
	CopyBufferSize     int64
	// CopyProgressInterval throttles progress of large copies.
	CopyProgressInterval time.Duration
	BatchSize            int
	ReplyPollInterval    time.Duration
	// ReplyTimeout bounds the wait for one caller answer. Zero waits until stopped.
	ReplyTimeout time.Duration
	// LockWait is how long to wait for another run to release the mirror.
	LockWait       time.Duration
	CheckFreeSpace bool

	Preflight preflight.Plan
	Hooks     hook.Plan
	Log       synclog.Options

	EventBuffer int
	Clock       clockwork.Clock
}

// Report describes a finished run. It is available from Runner.Report once
// the session is done.
type Report struct {
	RunID  string
	Status syncmsg.EventKind
	Err    error
	// Plan and Result are nil when the run ended before planning or executing.
	Plan    *planner.SyncPlan
	Result  *executor.Result
	Metrics *metrics.SyncMetrics
}

// Hints lists the soft outcomes of a completed run.
func (r *Report) Hints() []error {
	var out []error
	if r.Plan != nil && r.Plan.IsEmpty() {
		out = append(out, hints.ErrNothingToSync)
	}
	if r.Result != nil {
		if r.Result.Denied.Cardinality() > 0 {
			out = append(out, hints.ErrDeletionDenied)
		}
		if r.Result.Skipped.Cardinality() > 0 {
			out = append(out, hints.ErrConflictSkipped)
		}
	}
	return out
}

// Runner starts sync runs for one pair of roots.
type Runner struct {
	cfg   Config
	hooks *hook.HookExecutor

	mu     sync.Mutex
	report *Report
}

// NewRunner returns a Runner for cfg.
func NewRunner(cfg Config) *Runner {
	if cfg.Preflight == (preflight.Plan{}) {
		cfg.Preflight = preflight.SyncPlan
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Runner{cfg: cfg, hooks: hook.NewHookExecutor(nil)}
}

// Start launches a run and returns its session. The run stops when ctx is
// canceled, when the caller sends Stop, or when the caller closes its side.
func (r *Runner) Start(ctx context.Context) *syncmsg.Session {
	sess := syncmsg.NewSession(r.cfg.EventBuffer)
	runCtx, cancel := context.WithCancel(ctx)
	go sess.Route(runCtx, cancel)

	go func() {
		defer cancel()
		rep := r.execute(runCtx, sess)
		r.mu.Lock()
		r.report = rep
		r.mu.Unlock()
		sess.Finish(terminalEvent(rep))
	}()
	return sess
}

// Report returns the report of the last finished run, or nil.
func (r *Runner) Report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

func terminalEvent(rep *Report) syncmsg.Event {
	ev := syncmsg.Event{Kind: rep.Status}
	if rep.Status == syncmsg.Failed {
		ev.Err = rep.Err
		ev.Text = rep.Err.Error()
	}
	return ev
}

// statusOf maps the error a run ended with onto its terminal state. An
// unreachable caller is treated exactly like an explicit Stop.
func statusOf(err error) syncmsg.EventKind {
	switch {
	case err == nil:
		return syncmsg.Complete
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, copyengine.ErrStopped),
		syncerr.Is(err, syncerr.ChannelError):
		return syncmsg.Stopped
	default:
		return syncmsg.Failed
	}
}

// Preview is what a run would do, computed without touching either tree.
type Preview struct {
	Plan          *planner.SyncPlan
	Local         *snapshot.Snapshot
	Remote        *snapshot.Snapshot
	Baseline      *snapshot.Snapshot
	BytesToLocal  int64
	BytesToRemote int64
}

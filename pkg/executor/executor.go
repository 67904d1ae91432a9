// Package executor applies a SyncPlan to the local and remote trees.
//
// Actions run strictly in plan order, in batches with a cancellation check
// between batches and before every action. Deletions and conflicts are
// decided by the caller: the executor sends a request event and polls for the
// answer with a bounded timer so that cancellation is noticed while waiting.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"github.com/paulschiretz/pgl-sync/pkg/copyengine"
	"github.com/paulschiretz/pgl-sync/pkg/metrics"
	"github.com/paulschiretz/pgl-sync/pkg/planner"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/syncerr"
	"github.com/paulschiretz/pgl-sync/pkg/syncmsg"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

const (
	DefaultBatchSize    = 5
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrReplyTimeout is the cause of a ChannelError when the caller did not answer in time.
var ErrReplyTimeout = errors.New("no reply from caller")

// Config configures an Executor.
type Config struct {
	LocalRoot  string
	RemoteRoot string
	BatchSize  int
	// PollInterval is how often a pending request re-checks cancellation.
	PollInterval time.Duration
	// ReplyTimeout bounds the wait for a single answer. Zero waits until canceled.
	ReplyTimeout time.Duration
	Clock        clockwork.Clock
}

// Messenger is the engine side of a syncmsg.Session.
type Messenger interface {
	Emit(ctx context.Context, ev syncmsg.Event) error
	// Request emits a prompt and returns the sequence number its answer must carry.
	Request(ctx context.Context, ev syncmsg.Event) (uint64, error)
	EmitProgress(ev syncmsg.Event) bool
	Answers() <-chan syncmsg.Reply
	CallerGone() bool
}

// ActionLog receives one durable line per executed or canceled action.
type ActionLog interface {
	Write(text string) error
}

// Copier copies one file. *copyengine.Engine implements it.
type Copier interface {
	Copy(ctx context.Context, req copyengine.Request, progress copyengine.ProgressFunc) (int64, error)
}

// Outcome is the final state of one planned action.
type Outcome struct {
	Action snapshot.Action
	State  snapshot.State
}

// Result summarizes a run of the executor. It is returned even when the run
// was stopped or failed and then covers the actions reached so far.
type Result struct {
	Outcomes []Outcome
	// Skipped holds conflict paths the caller chose to leave alone.
	Skipped mapset.Set[string]
	// Denied holds paths whose deletion the caller refused.
	Denied         mapset.Set[string]
	BytesProcessed int64
}

// Count returns the number of outcomes in state.
func (r *Result) Count(state snapshot.State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

// Executor applies plans. One Executor serves one run.
type Executor struct {
	cfg     Config
	msg     Messenger
	log     ActionLog
	copier  Copier
	metrics metrics.Metrics
	clock   clockwork.Clock

	// deleteChoice caches an "apply to all" answer for the rest of the run.
	deleteChoice *bool
}

// New returns an Executor. log and m may be nil.
func New(cfg Config, msg Messenger, log ActionLog, copier Copier, m metrics.Metrics) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Executor{cfg: cfg, msg: msg, log: log, copier: copier, metrics: m, clock: cfg.Clock}
}

type runState struct {
	plan   *planner.SyncPlan
	result *Result
}

// Execute applies plan. It returns ctx.Err() (possibly wrapped) when the run
// was canceled, a *syncerr.Error for I/O and channel failures, and nil when
// every action reached a final state.
func (x *Executor) Execute(ctx context.Context, plan *planner.SyncPlan) (*Result, error) {
	res := &Result{
		Outcomes: make([]Outcome, len(plan.Actions)),
		Skipped:  mapset.NewThreadUnsafeSet[string](),
		Denied:   mapset.NewThreadUnsafeSet[string](),
	}
	for i, a := range plan.Actions {
		res.Outcomes[i] = Outcome{Action: a, State: snapshot.Pending}
	}
	rs := &runState{plan: plan, result: res}

	for start := 0; start < len(plan.Actions); start += x.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+x.cfg.BatchSize, len(plan.Actions))
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Outcomes[i].State = snapshot.Executing
			state, err := x.apply(ctx, rs, plan.Actions[i])
			if err != nil {
				res.Outcomes[i].State = snapshot.Canceled
				x.recordInterrupted(plan.Actions[i], ctx.Err() != nil, err)
				return res, err
			}
			res.Outcomes[i].State = state
		}
		x.msg.EmitProgress(syncmsg.ProgressEvent(fraction(res.BytesProcessed, plan.TotalBytes),
			fmt.Sprintf("Processed %d/%d actions", end, len(plan.Actions))))
	}
	return res, nil
}

// apply is the single dispatch over the action kinds.
func (x *Executor) apply(ctx context.Context, rs *runState, a snapshot.Action) (snapshot.State, error) {
	switch a.Kind {
	case snapshot.CopyToRemote:
		return x.copy(ctx, rs, a.Path, x.cfg.LocalRoot, x.cfg.RemoteRoot, "remote")
	case snapshot.CopyToLocal:
		return x.copy(ctx, rs, a.Path, x.cfg.RemoteRoot, x.cfg.LocalRoot, "local")
	case snapshot.CreateLocalDir:
		return x.createDir(ctx, rs, a.Path, x.cfg.LocalRoot, "local")
	case snapshot.CreateRemoteDir:
		return x.createDir(ctx, rs, a.Path, x.cfg.RemoteRoot, "remote")
	case snapshot.DeleteLocal, snapshot.DeleteLocalDir:
		return x.delete(ctx, rs, a, x.cfg.LocalRoot, "local")
	case snapshot.DeleteRemote, snapshot.DeleteRemoteDir:
		return x.delete(ctx, rs, a, x.cfg.RemoteRoot, "remote")
	case snapshot.Conflict:
		return x.conflict(ctx, rs, a.Path)
	default:
		return snapshot.Canceled, syncerr.Input("execute", a.Path, fmt.Errorf("unknown action kind %d", a.Kind))
	}
}

func (x *Executor) copy(ctx context.Context, rs *runState, rel, fromRoot, toRoot, toSide string) (snapshot.State, error) {
	src := util.DenormalizedAbsPath(fromRoot, rel)
	dst := util.DenormalizedAbsPath(toRoot, rel)

	req := copyengine.Request{
		Src:   src,
		Dst:   dst,
		Base:  rs.result.BytesProcessed,
		Total: rs.plan.TotalBytes,
		Label: fmt.Sprintf("Copying %s to %s", rel, toSide),
	}
	n, err := x.copier.Copy(ctx, req, func(f float64, label string) {
		x.msg.EmitProgress(syncmsg.ProgressEvent(f, label))
	})
	if err != nil {
		return snapshot.Canceled, err
	}
	rs.result.BytesProcessed += n
	x.metrics.AddFilesCopied(1)
	x.metrics.AddBytesCopied(n)
	plog.Notice("COPY", "path", rel, "to", toSide, "size", n)
	return snapshot.Completed, x.record(ctx, fmt.Sprintf("Copied %s to %s (%s)", rel, toSide, humanize.IBytes(uint64(n))))
}

func (x *Executor) createDir(ctx context.Context, rs *runState, rel, root, side string) (snapshot.State, error) {
	dirs := append([]string{rel}, rs.plan.Subdirs[rel]...)
	for _, d := range dirs {
		abs := util.DenormalizedAbsPath(root, d)
		if err := os.MkdirAll(abs, util.UserWritableDirPerms); err != nil {
			return snapshot.Canceled, syncerr.IO("create directory", abs, err)
		}
	}
	x.metrics.AddDirsCreated(int64(len(dirs)))
	plog.Notice("MKDIR", "path", rel, "side", side, "subdirs", len(dirs)-1)
	return snapshot.Completed, x.record(ctx, fmt.Sprintf("Created directory %s on %s", rel, side))
}

func (x *Executor) delete(ctx context.Context, rs *runState, a snapshot.Action, root, side string) (snapshot.State, error) {
	abs := util.DenormalizedAbsPath(root, a.Path)
	what := "file"
	if a.Kind.IsDir() {
		what = "directory"
	}

	confirmed, err := x.confirmDeletion(ctx, abs)
	if err != nil {
		return snapshot.Canceled, err
	}
	if !confirmed {
		rs.result.Denied.Add(a.Path)
		x.metrics.AddDeletionsDenied(1)
		plog.Notice("KEEP", "path", a.Path, "side", side, "reason", "deletion denied")
		return snapshot.Canceled, x.record(ctx, fmt.Sprintf("Canceled deletion of %s %s on %s", what, a.Path, side))
	}

	if a.Kind.IsDir() {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return snapshot.Canceled, syncerr.IO("delete "+what, abs, err)
	}
	if a.Kind.IsDir() {
		x.metrics.AddDirsDeleted(1)
	} else {
		x.metrics.AddFilesDeleted(1)
	}
	plog.Notice("DELETE", "path", a.Path, "side", side, "kind", what)
	return snapshot.Completed, x.record(ctx, fmt.Sprintf("Deleted %s %s on %s", what, a.Path, side))
}

func (x *Executor) conflict(ctx context.Context, rs *runState, rel string) (snapshot.State, error) {
	seq, err := x.msg.Request(ctx, syncmsg.ConflictEvent(rel))
	if err != nil {
		return snapshot.Canceled, err
	}
	reply, err := x.await(ctx, syncmsg.ConflictResolved, seq)
	if err != nil {
		return snapshot.Canceled, err
	}

	switch reply.Resolution {
	case snapshot.KeepLocal:
		x.metrics.AddConflictsResolved(1)
		return x.copy(ctx, rs, rel, x.cfg.LocalRoot, x.cfg.RemoteRoot, "remote")
	case snapshot.KeepRemote:
		x.metrics.AddConflictsResolved(1)
		return x.copy(ctx, rs, rel, x.cfg.RemoteRoot, x.cfg.LocalRoot, "local")
	default:
		rs.result.Skipped.Add(rel)
		x.metrics.AddConflictsSkipped(1)
		plog.Notice("SKIP", "path", rel, "reason", "conflict skipped")
		return snapshot.Skipped, x.record(ctx, fmt.Sprintf("Skipped conflict on %s", rel))
	}
}

func (x *Executor) confirmDeletion(ctx context.Context, abs string) (bool, error) {
	if x.deleteChoice != nil {
		return *x.deleteChoice, nil
	}
	seq, err := x.msg.Request(ctx, syncmsg.ConfirmDeletionEvent(abs))
	if err != nil {
		return false, err
	}
	reply, err := x.await(ctx, syncmsg.DeletionConfirmed, seq)
	if err != nil {
		return false, err
	}
	if reply.ApplyToAll {
		choice := reply.Confirmed
		x.deleteChoice = &choice
	}
	return reply.Confirmed, nil
}

// await polls for the answer of kind to request seq. Every tick re-checks
// cancellation, a vanished caller and the optional reply timeout.
func (x *Executor) await(ctx context.Context, kind syncmsg.ReplyKind, seq uint64) (syncmsg.Reply, error) {
	var deadline time.Time
	if x.cfg.ReplyTimeout > 0 {
		deadline = x.clock.Now().Add(x.cfg.ReplyTimeout)
	}
	timer := x.clock.NewTimer(x.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case r := <-x.msg.Answers():
			if r.Kind != kind || r.Seq != seq {
				plog.Debug("Ignoring stale reply", "want", kind, "seq", seq, "got", r.Kind, "gotSeq", r.Seq)
				continue
			}
			return r, nil
		case <-timer.Chan():
			if err := ctx.Err(); err != nil {
				return syncmsg.Reply{}, err
			}
			if x.msg.CallerGone() {
				return syncmsg.Reply{}, syncerr.Channel("await "+kind.String(), syncerr.ErrCallerGone)
			}
			if !deadline.IsZero() && !x.clock.Now().Before(deadline) {
				return syncmsg.Reply{}, syncerr.Channel("await "+kind.String(), ErrReplyTimeout)
			}
			timer.Reset(x.cfg.PollInterval)
		}
	}
}

// record writes the durable line and the matching Log event for one action.
func (x *Executor) record(ctx context.Context, text string) error {
	if x.log != nil {
		if err := x.log.Write(text); err != nil {
			return err
		}
	}
	if err := x.msg.Emit(ctx, syncmsg.LogEvent(text)); err != nil && ctx.Err() == nil {
		return syncerr.Channel("emit log", err)
	}
	return nil
}

// recordInterrupted writes the durable line for the action that ended the run.
// The caller stream is not used here; the engine reports the terminal state.
func (x *Executor) recordInterrupted(a snapshot.Action, stopped bool, err error) {
	if x.log == nil {
		return
	}
	text := fmt.Sprintf("Failed %s: %v", a, err)
	if stopped {
		text = fmt.Sprintf("Stopped during %s", a)
	}
	if logErr := x.log.Write(text); logErr != nil {
		plog.Warn("Could not write to the sync log", "error", logErr)
	}
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return max(0, min(float64(done)/float64(total), 1))
}

var _ Copier = (*copyengine.Engine)(nil)
var _ Messenger = (*syncmsg.Session)(nil)


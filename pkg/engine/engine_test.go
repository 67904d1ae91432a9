package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-sync/pkg/copyengine"
	"github.com/paulschiretz/pgl-sync/pkg/executor"
	"github.com/paulschiretz/pgl-sync/pkg/hasher"
	"github.com/paulschiretz/pgl-sync/pkg/hints"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/metastore"
	"github.com/paulschiretz/pgl-sync/pkg/planner"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/syncerr"
	"github.com/paulschiretz/pgl-sync/pkg/synclog"
	"github.com/paulschiretz/pgl-sync/pkg/syncmsg"
)

// answerFunc sees every event and optionally replies to it.
type answerFunc func(ev syncmsg.Event) (syncmsg.Reply, bool)

func answering(confirm bool, res snapshot.Resolution) answerFunc {
	return func(ev syncmsg.Event) (syncmsg.Reply, bool) {
		switch ev.Kind {
		case syncmsg.ConfirmDeletion:
			return syncmsg.Confirm(confirm, false), true
		case syncmsg.AskForConflictResolution:
			return syncmsg.Resolve(res), true
		}
		return syncmsg.Reply{}, false
	}
}

var confirmAll = answering(true, snapshot.KeepLocal)

type fixture struct {
	local, mirror string
}

func newFixture(t *testing.T) fixture {
	return fixture{local: t.TempDir(), mirror: t.TempDir()}
}

func (f fixture) config() Config {
	return Config{
		LocalRoot:         f.local,
		MirrorRoot:        f.mirror,
		ReplyPollInterval: 5 * time.Millisecond,
		EventBuffer:       512,
		Log:               synclog.Options{Keep: 1},
	}
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func exists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

// runSync drives one run to its terminal event.
func runSync(t *testing.T, cfg Config, answer answerFunc) (*Report, []syncmsg.Event) {
	t.Helper()
	r := NewRunner(cfg)
	sess := r.Start(context.Background())

	var events []syncmsg.Event
	timeout := time.After(2 * time.Minute)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				<-sess.Done()
				rep := r.Report()
				require.NotNil(t, rep)
				return rep, events
			}
			events = append(events, ev)
			if answer != nil {
				if reply, send := answer(ev); send {
					sess.Send(reply.For(ev))
				}
			}
		case <-timeout:
			t.Fatal("sync did not finish")
		}
	}
}

func actions(rep *Report) []snapshot.Action {
	if rep.Plan == nil {
		return nil
	}
	return rep.Plan.Actions
}

func lastEvent(events []syncmsg.Event) syncmsg.Event {
	if len(events) == 0 {
		return syncmsg.Event{}
	}
	return events[len(events)-1]
}

func TestFirstSyncCopiesToRemote(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "alpha")

	rep, events := runSync(t, f.config(), confirmAll)

	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.Equal(t, syncmsg.Complete, lastEvent(events).Kind)
	assert.Equal(t, []snapshot.Action{{Kind: snapshot.CopyToRemote, Path: "a.txt"}}, actions(rep))
	assert.Equal(t, "alpha", read(t, f.mirror, "a.txt"))

	base, _, err := metastore.Load(f.mirror)
	require.NoError(t, err)
	rec, ok := base.File("a.txt")
	require.True(t, ok, "baseline must list a.txt")
	assert.Equal(t, hasher.HashBytes([]byte("alpha")), rec.Hash)

	logText := read(t, f.mirror, synclog.FileName)
	assert.Contains(t, logText, "Copied a.txt to remote")
	assert.Contains(t, logText, "completed")
	assert.False(t, exists(f.mirror, lockfile.LockFileName), "lock must be released")
}

func TestAlreadyConvergedPlansNothing(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "same")
	write(t, f.mirror, "a.txt", "same")

	rep, _ := runSync(t, f.config(), confirmAll)

	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.Empty(t, actions(rep))
	assert.Contains(t, rep.Hints(), hints.ErrNothingToSync)

	base, _, err := metastore.Load(f.mirror)
	require.NoError(t, err)
	_, ok := base.File("a.txt")
	assert.True(t, ok, "a converged tree is still recorded as the baseline")
}

func TestDivergentEditsResolveKeepLocal(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "base")
	rep, _ := runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)

	write(t, f.local, "a.txt", "local edit")
	write(t, f.mirror, "a.txt", "remote edit!!")

	var asked []string
	answer := func(ev syncmsg.Event) (syncmsg.Reply, bool) {
		if ev.Kind == syncmsg.AskForConflictResolution {
			asked = append(asked, ev.Path)
			return syncmsg.Resolve(snapshot.KeepLocal), true
		}
		return syncmsg.Reply{}, false
	}
	rep, _ = runSync(t, f.config(), answer)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.Equal(t, []snapshot.Action{{Kind: snapshot.Conflict, Path: "a.txt"}}, actions(rep))
	assert.Equal(t, []string{"a.txt"}, asked)
	assert.Equal(t, "local edit", read(t, f.mirror, "a.txt"))

	rep, _ = runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.Empty(t, actions(rep), "a resolved conflict must not come back")
}

func TestSkippedConflictComesBack(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "base")
	rep, _ := runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)

	write(t, f.local, "a.txt", "local edit")
	write(t, f.mirror, "a.txt", "remote edit!!")

	rep, _ = runSync(t, f.config(), answering(true, snapshot.Skip))
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.Contains(t, rep.Hints(), hints.ErrConflictSkipped)
	assert.Equal(t, "local edit", read(t, f.local, "a.txt"))
	assert.Equal(t, "remote edit!!", read(t, f.mirror, "a.txt"))

	base, _, err := metastore.Load(f.mirror)
	require.NoError(t, err)
	_, ok := base.File("a.txt")
	assert.False(t, ok, "a skipped conflict is left out of the baseline")

	rep, _ = runSync(t, f.config(), answering(true, snapshot.Skip))
	assert.Equal(t, []snapshot.Action{{Kind: snapshot.Conflict, Path: "a.txt"}}, actions(rep))
}

func TestDeniedLocalDeletionIsKeptAndReplanned(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "alpha")
	rep, _ := runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)

	require.NoError(t, os.Remove(filepath.Join(f.mirror, "a.txt")))

	deny := answering(false, snapshot.Skip)
	rep, events := runSync(t, f.config(), deny)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.Equal(t, []snapshot.Action{{Kind: snapshot.DeleteLocal, Path: "a.txt"}}, actions(rep))
	assert.True(t, exists(f.local, "a.txt"))
	assert.Contains(t, rep.Hints(), hints.ErrDeletionDenied)
	assert.Contains(t, read(t, f.mirror, synclog.FileName), "Canceled deletion of file a.txt on local")

	var prompts []string
	for _, ev := range events {
		if ev.Kind == syncmsg.ConfirmDeletion {
			prompts = append(prompts, ev.Path)
		}
	}
	assert.Equal(t, []string{filepath.Join(f.local, "a.txt")}, prompts)

	rep, _ = runSync(t, f.config(), deny)
	assert.Equal(t, []snapshot.Action{{Kind: snapshot.DeleteLocal, Path: "a.txt"}}, actions(rep))
}

func TestDeniedRemoteDeletionIsNotCopiedBack(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "alpha")
	write(t, f.local, "docs/b.txt", "bravo")
	rep, _ := runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)

	require.NoError(t, os.Remove(filepath.Join(f.local, "a.txt")))
	require.NoError(t, os.RemoveAll(filepath.Join(f.local, "docs")))

	deny := answering(false, snapshot.Skip)
	rep, _ = runSync(t, f.config(), deny)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	want := []snapshot.Action{
		{Kind: snapshot.DeleteRemote, Path: "a.txt"},
		{Kind: snapshot.DeleteRemoteDir, Path: "docs"},
	}
	assert.Equal(t, want, actions(rep))
	assert.True(t, exists(f.mirror, "docs/b.txt"))

	rep, _ = runSync(t, f.config(), deny)
	assert.Equal(t, want, actions(rep), "denied deletions must be asked again, not turned into copies")

	rep, _ = runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.False(t, exists(f.mirror, "a.txt"))
	assert.False(t, exists(f.mirror, "docs"))
}

func TestCancelMidTransferLeavesNoPartialFile(t *testing.T) {
	f := newFixture(t)
	big := bytes.Repeat([]byte("0123456789abcdef"), 50<<20/16)
	require.NoError(t, os.WriteFile(filepath.Join(f.local, "big.bin"), big, 0644))

	cfg := f.config()
	cfg.CopyProgressInterval = time.Nanosecond
	cfg.CopyBufferSize = 4 << 10
	stopped := false
	answer := func(ev syncmsg.Event) (syncmsg.Reply, bool) {
		if !stopped && ev.Kind == syncmsg.Progress && strings.HasPrefix(ev.Label, "Copying big.bin") {
			stopped = true
			return syncmsg.StopReply(), true
		}
		return syncmsg.Reply{}, false
	}

	rep, events := runSync(t, cfg, answer)

	require.True(t, stopped, "expected progress from the large copy")
	assert.Equal(t, syncmsg.Stopped, rep.Status, "err: %v", rep.Err)
	assert.Equal(t, syncmsg.Stopped, lastEvent(events).Kind)
	assert.True(t, errors.Is(rep.Err, copyengine.ErrStopped) || errors.Is(rep.Err, context.Canceled), "err: %v", rep.Err)
	assert.False(t, exists(f.mirror, "big.bin"))
	assert.False(t, exists(f.mirror, metastore.FileName), "a stopped run must not write a baseline")

	entries, err := os.ReadDir(f.mirror)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), copyengine.TempSuffix), "leftover temp file %s", e.Name())
	}
	assert.Contains(t, read(t, f.mirror, synclog.FileName), "stopped")
}

func TestSecondRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "alpha")
	write(t, f.local, "dir/b.txt", "bravo")
	require.NoError(t, os.MkdirAll(filepath.Join(f.local, "empty", "nested"), 0755))
	write(t, f.mirror, "c.txt", "charlie")
	write(t, f.mirror, "rdir/d.txt", "delta")
	write(t, f.local, ".syncignore", "*.log\n")
	write(t, f.local, "debug.log", "noise")

	rep, _ := runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)

	assert.Equal(t, "charlie", read(t, f.local, "c.txt"))
	assert.Equal(t, "delta", read(t, f.local, "rdir/d.txt"))
	assert.Equal(t, "bravo", read(t, f.mirror, "dir/b.txt"))
	assert.True(t, exists(f.mirror, "empty/nested"))
	assert.False(t, exists(f.mirror, "debug.log"), "ignored files stay local")
	assert.False(t, exists(f.local, synclog.FileName), "control files never reach the local tree")
	assert.False(t, exists(f.local, metastore.FileName))

	rep, _ = runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.Empty(t, actions(rep))
	assert.Zero(t, rep.Metrics.FilesCopied.Load())
}

func TestMissingLocalRootFails(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.LocalRoot = filepath.Join(f.local, "missing")

	rep, events := runSync(t, cfg, confirmAll)

	assert.Equal(t, syncmsg.Failed, rep.Status)
	assert.True(t, syncerr.Is(rep.Err, syncerr.InputError), "err: %v", rep.Err)
	last := lastEvent(events)
	assert.Equal(t, syncmsg.Failed, last.Kind)
	assert.Error(t, last.Err)
}

func TestLockedMirrorFails(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "alpha")
	lock, err := lockfile.Acquire(context.Background(), f.mirror, "other-run", 0)
	require.NoError(t, err)
	defer lock.Release()

	rep, _ := runSync(t, f.config(), confirmAll)

	assert.Equal(t, syncmsg.Failed, rep.Status)
	assert.ErrorIs(t, rep.Err, lockfile.ErrLockHeld)
	assert.False(t, exists(f.mirror, "a.txt"))
}

func TestCallerGoneStopsRun(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "alpha")
	rep, _ := runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	require.NoError(t, os.Remove(filepath.Join(f.mirror, "a.txt")))

	r := NewRunner(f.config())
	sess := r.Start(context.Background())
	for ev := range sess.Events() {
		if ev.Kind == syncmsg.ConfirmDeletion {
			sess.Close()
		}
	}
	<-sess.Done()

	assert.Equal(t, syncmsg.Stopped, r.Report().Status, "err: %v", r.Report().Err)
	assert.True(t, exists(f.local, "a.txt"))
}

func TestPreviewDoesNotTouchTrees(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "a.txt", "alpha")
	cfg := f.config()
	cfg.MirrorRoot = filepath.Join(f.mirror, "not-yet")

	p, err := NewRunner(cfg).Preview(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []snapshot.Action{{Kind: snapshot.CopyToRemote, Path: "a.txt"}}, p.Plan.Actions)
	assert.Equal(t, int64(5), p.BytesToRemote)
	assert.Zero(t, p.BytesToLocal)
	assert.False(t, exists(cfg.MirrorRoot, ""), "preview must not create the mirror")
}

func TestHooksSeeRunStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook commands use /bin/sh")
	}
	f := newFixture(t)
	write(t, f.local, "a.txt", "alpha")
	marker := filepath.Join(t.TempDir(), "status")

	cfg := f.config()
	cfg.Hooks = hook.Plan{
		PreSync:  []string{`test -n "$PGL_SYNC_RUN_ID"`},
		PostSync: []string{`printf %s "$PGL_SYNC_STATUS" > "` + marker + `"`},
		FailFast: true,
	}
	rep, _ := runSync(t, cfg, confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(data))
}

func TestNextBaseline(t *testing.T) {
	prev := snapshot.New()
	prev.AddFile(snapshot.FileRecord{Path: "gone.txt", Hash: "g"})
	prev.AddDir("docs")
	prev.AddFile(snapshot.FileRecord{Path: "docs/b.txt", Hash: "b"})
	prev.AddFile(snapshot.FileRecord{Path: "c.txt", Hash: "c-old"})

	final := snapshot.New()
	final.AddFile(snapshot.FileRecord{Path: "c.txt", Hash: "c-new"})
	final.AddFile(snapshot.FileRecord{Path: "conflict.txt", Hash: "x"})
	final.AddDir("clash")
	final.AddFile(snapshot.FileRecord{Path: "clash/inner.txt", Hash: "i"})

	res := &executor.Result{
		Denied:  mapset.NewThreadUnsafeSet("docs", "c.txt"),
		Skipped: mapset.NewThreadUnsafeSet("conflict.txt"),
	}
	next := nextBaseline(final, prev, []string{"clash"}, res)

	assert.True(t, next.HasDir("docs"))
	_, ok := next.File("docs/b.txt")
	assert.True(t, ok)
	rec, _ := next.File("c.txt")
	assert.Equal(t, "c-new", rec.Hash, "current entries win over restored ones")
	_, ok = next.File("conflict.txt")
	assert.False(t, ok)
	_, ok = next.File("gone.txt")
	assert.False(t, ok)
	assert.False(t, next.HasDir("clash"))
	_, ok = next.File("clash/inner.txt")
	assert.False(t, ok, "entries below a clash are dropped")
}

func TestClashIsNotRecordedAsSynced(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "x/a.txt", "alpha")
	write(t, f.mirror, "x", "a file")

	rep, _ := runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	assert.Equal(t, []string{"x"}, rep.Plan.Clashes)

	base, _, err := metastore.Load(f.mirror)
	require.NoError(t, err)
	assert.False(t, base.HasDir("x"))
	_, ok := base.File("x/a.txt")
	assert.False(t, ok, "a clashing subtree must stay out of the baseline")

	require.NoError(t, os.Remove(filepath.Join(f.mirror, "x")))
	rep, _ = runSync(t, f.config(), confirmAll)
	require.Equal(t, syncmsg.Complete, rep.Status, "err: %v", rep.Err)
	require.NotEmpty(t, actions(rep))
	for _, a := range actions(rep) {
		assert.Contains(t, []snapshot.ActionKind{snapshot.CreateRemoteDir, snapshot.CopyToRemote}, a.Kind, "unexpected %v", a)
	}
	assert.Equal(t, "alpha", read(t, f.local, "x/a.txt"))
	assert.Equal(t, "alpha", read(t, f.mirror, "x/a.txt"))
}

func TestIncomingBytes(t *testing.T) {
	local := snapshot.New()
	local.AddFile(snapshot.FileRecord{Path: "up.txt", Size: 10})
	local.AddFile(snapshot.FileRecord{Path: "both.txt", Size: 3})
	remote := snapshot.New()
	remote.AddFile(snapshot.FileRecord{Path: "down.txt", Size: 7})
	remote.AddFile(snapshot.FileRecord{Path: "both.txt", Size: 5})

	plan := &planner.SyncPlan{Actions: []snapshot.Action{
		{Kind: snapshot.CopyToRemote, Path: "up.txt"},
		{Kind: snapshot.CopyToLocal, Path: "down.txt"},
		{Kind: snapshot.Conflict, Path: "both.txt"},
		{Kind: snapshot.DeleteRemote, Path: "gone.txt"},
	}}
	toLocal, toRemote := incomingBytes(plan, local, remote)
	assert.Equal(t, int64(12), toLocal)
	assert.Equal(t, int64(13), toRemote)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, syncmsg.Complete, statusOf(nil))
	assert.Equal(t, syncmsg.Stopped, statusOf(context.Canceled))
	assert.Equal(t, syncmsg.Stopped, statusOf(syncerr.Channel("await reply", errors.New("closed"))))
	assert.Equal(t, syncmsg.Failed, statusOf(syncerr.IO("copy", "/x", errors.New("disk full"))))
}

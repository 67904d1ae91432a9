package engine

import (
	"github.com/paulschiretz/pgl-sync/pkg/executor"
	"github.com/paulschiretz/pgl-sync/pkg/planner"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// nextBaseline turns the final local scan into the baseline for the next run.
//
// Clashing paths and everything below them are left out: the run touched
// neither side there, so a local entry must not read as synced. Skipped
// conflicts are left out too so both sides look new next time and the
// conflict is raised again. Denied deletions get their previous baseline
// entries back: without them a file the user kept on the remote side would
// look like a remote addition and be copied back to local.
func nextBaseline(final, prev *snapshot.Snapshot, clashes []string, res *executor.Result) *snapshot.Snapshot {
	for _, p := range clashes {
		final.Remove(p)
	}
	if res == nil {
		return final
	}
	for _, p := range res.Skipped.ToSlice() {
		final.Remove(p)
	}
	for _, p := range res.Denied.ToSlice() {
		restore(final, prev, p)
	}
	return final
}

// restore copies the entries at and below rel from prev into dst where dst
// has none.
func restore(dst, prev *snapshot.Snapshot, rel string) {
	for p, rec := range prev.Files {
		if p != rel && !util.IsUnder(p, rel) {
			continue
		}
		if _, ok := dst.Files[p]; !ok && !dst.HasDir(p) {
			dst.AddFile(rec)
		}
	}
	for d := range prev.Dirs {
		if d != rel && !util.IsUnder(d, rel) {
			continue
		}
		if _, ok := dst.Files[d]; !ok {
			dst.AddDir(d)
		}
	}
}

// incomingBytes returns how many bytes the plan writes into each tree. A
// conflict counts on both sides since either may end up overwritten.
func incomingBytes(plan *planner.SyncPlan, local, remote *snapshot.Snapshot) (toLocal, toRemote int64) {
	for _, a := range plan.Actions {
		switch a.Kind {
		case snapshot.CopyToRemote:
			toRemote += local.Files[a.Path].Size
		case snapshot.CopyToLocal:
			toLocal += remote.Files[a.Path].Size
		case snapshot.Conflict:
			toRemote += local.Files[a.Path].Size
			toLocal += remote.Files[a.Path].Size
		}
	}
	return toLocal, toRemote
}

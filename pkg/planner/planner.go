// Package planner turns three snapshots of the same logical tree (local,
// remote and the last-sync baseline) into an ordered list of actions.
//
// Each path is classified on presence and hash equality alone, so the result
// is deterministic and symmetric: swapping local and remote swaps the copy and
// delete directions and nothing else.
//
// Plan order:
//  1. directory creations, shallowest first
//  2. copies and conflicts, by path
//  3. file deletions, deepest first
//  4. directory deletions, deepest first
//
// Copies create missing parent directories themselves, so order 1 before 2 is
// what keeps a planned (possibly empty) directory from being created twice.
package planner

import (
	"context"
	"path"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// SyncPlan is the ordered work for one run.
type SyncPlan struct {
	Actions []snapshot.Action
	// TotalBytes is the size of every copy and conflict, used to normalize progress.
	TotalBytes int64
	// Subdirs lists, for each planned directory creation, the descendant
	// directories that were pruned from the plan and must be created with it.
	Subdirs map[string][]string
	// Clashes are paths that are a file on one side and a directory on the
	// other. Nothing at or below them is planned.
	Clashes []string
}

// IsEmpty reports whether there is nothing to do.
func (p *SyncPlan) IsEmpty() bool {
	return p == nil || len(p.Actions) == 0
}

// Counts returns the number of planned actions per kind.
func (p *SyncPlan) Counts() map[snapshot.ActionKind]int {
	counts := make(map[snapshot.ActionKind]int)
	for _, a := range p.Actions {
		counts[a.Kind]++
	}
	return counts
}

// GenerateSyncPlan compares local and remote against base and returns the plan.
// ctx is checked once per path.
func GenerateSyncPlan(ctx context.Context, local, remote, base *snapshot.Snapshot) (*SyncPlan, error) {
	if local == nil {
		local = snapshot.New()
	}
	if remote == nil {
		remote = snapshot.New()
	}
	if base == nil {
		base = snapshot.New()
	}

	clashes := findClashes(local, remote)

	fileActions, err := planFiles(ctx, local, remote, base, clashes)
	if err != nil {
		return nil, err
	}
	dirs, err := planDirs(ctx, local, remote, base, clashes)
	if err != nil {
		return nil, err
	}

	// A directory that is doomed on one side survives if anything inside it
	// still has to flow to the other side. The deletion then turns into a
	// creation on the side that lost it.
	resurrect(dirs.deleteLocal, dirs.createRemote, fileActions, snapshot.CopyToRemote)
	resurrect(dirs.deleteRemote, dirs.createLocal, fileActions, snapshot.CopyToLocal)

	// File deletions inside a directory that is deleted as a whole are covered
	// by that single (confirmed) recursive removal.
	fileActions = dropCoveredDeletes(fileActions, dirs.deleteLocal, snapshot.DeleteLocal)
	fileActions = dropCoveredDeletes(fileActions, dirs.deleteRemote, snapshot.DeleteRemote)

	plan := &SyncPlan{Subdirs: make(map[string][]string), Clashes: clashes.ToSlice()}
	sort.Strings(plan.Clashes)

	var creates, copies, deletes, dirDeletes []snapshot.Action
	for _, d := range pruneToTopmost(dirs.createLocal, plan.Subdirs) {
		creates = append(creates, snapshot.Action{Kind: snapshot.CreateLocalDir, Path: d})
	}
	for _, d := range pruneToTopmost(dirs.createRemote, plan.Subdirs) {
		creates = append(creates, snapshot.Action{Kind: snapshot.CreateRemoteDir, Path: d})
	}
	for _, d := range pruneToTopmost(dirs.deleteLocal, nil) {
		dirDeletes = append(dirDeletes, snapshot.Action{Kind: snapshot.DeleteLocalDir, Path: d})
	}
	for _, d := range pruneToTopmost(dirs.deleteRemote, nil) {
		dirDeletes = append(dirDeletes, snapshot.Action{Kind: snapshot.DeleteRemoteDir, Path: d})
	}

	for _, a := range fileActions {
		switch a.Kind {
		case snapshot.CopyToRemote, snapshot.Conflict:
			rec, _ := local.File(a.Path)
			plan.TotalBytes += rec.Size
			copies = append(copies, a)
		case snapshot.CopyToLocal:
			rec, _ := remote.File(a.Path)
			plan.TotalBytes += rec.Size
			copies = append(copies, a)
		case snapshot.DeleteLocal, snapshot.DeleteRemote:
			deletes = append(deletes, a)
		}
	}

	sortShallowFirst(creates)
	sort.SliceStable(copies, func(i, j int) bool { return copies[i].Path < copies[j].Path })
	sortDeepFirst(deletes)
	sortDeepFirst(dirDeletes)

	plan.Actions = make([]snapshot.Action, 0, len(creates)+len(copies)+len(deletes)+len(dirDeletes))
	plan.Actions = append(plan.Actions, creates...)
	plan.Actions = append(plan.Actions, copies...)
	plan.Actions = append(plan.Actions, deletes...)
	plan.Actions = append(plan.Actions, dirDeletes...)
	return plan, nil
}

// ClassifyFile returns the action for one path given its record on each side.
// A nil record means the path is absent from that snapshot.
func ClassifyFile(l, r, b *snapshot.FileRecord) (snapshot.ActionKind, bool) {
	switch {
	case l != nil && r != nil && b != nil:
		localChanged := l.Hash != b.Hash
		remoteChanged := r.Hash != b.Hash
		switch {
		case !localChanged && !remoteChanged:
			return 0, false
		case localChanged && !remoteChanged:
			return snapshot.CopyToRemote, true
		case !localChanged && remoteChanged:
			return snapshot.CopyToLocal, true
		case l.Hash == r.Hash:
			return 0, false // both sides converged on the same content
		default:
			return snapshot.Conflict, true
		}
	case l != nil && r != nil:
		if l.Hash == r.Hash {
			return 0, false
		}
		return snapshot.Conflict, true
	case l != nil && b != nil:
		return snapshot.DeleteLocal, true
	case r != nil && b != nil:
		return snapshot.DeleteRemote, true
	case l != nil:
		return snapshot.CopyToRemote, true
	case r != nil:
		return snapshot.CopyToLocal, true
	default:
		return 0, false
	}
}

func recordOrNil(s *snapshot.Snapshot, p string) *snapshot.FileRecord {
	if rec, ok := s.File(p); ok {
		return &rec
	}
	return nil
}

func planFiles(ctx context.Context, local, remote, base *snapshot.Snapshot, clashes mapset.Set[string]) ([]snapshot.Action, error) {
	paths := mapset.NewThreadUnsafeSet[string]()
	for _, s := range []*snapshot.Snapshot{local, remote, base} {
		for p := range s.Files {
			paths.Add(p)
		}
	}
	sorted := paths.ToSlice()
	sort.Strings(sorted)

	var actions []snapshot.Action
	for _, p := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if underAny(p, clashes) {
			continue
		}
		kind, ok := ClassifyFile(recordOrNil(local, p), recordOrNil(remote, p), recordOrNil(base, p))
		if ok {
			actions = append(actions, snapshot.Action{Kind: kind, Path: p})
		}
	}
	return actions, nil
}

type dirSets struct {
	createLocal  mapset.Set[string]
	createRemote mapset.Set[string]
	deleteLocal  mapset.Set[string]
	deleteRemote mapset.Set[string]
}

func planDirs(ctx context.Context, local, remote, base *snapshot.Snapshot, clashes mapset.Set[string]) (dirSets, error) {
	sets := dirSets{
		createLocal:  mapset.NewThreadUnsafeSet[string](),
		createRemote: mapset.NewThreadUnsafeSet[string](),
		deleteLocal:  mapset.NewThreadUnsafeSet[string](),
		deleteRemote: mapset.NewThreadUnsafeSet[string](),
	}
	all := mapset.NewThreadUnsafeSet[string]()
	for _, s := range []*snapshot.Snapshot{local, remote, base} {
		for d := range s.Dirs {
			all.Add(d)
		}
	}

	var err error
	all.Each(func(d string) bool {
		if err = ctx.Err(); err != nil {
			return true
		}
		if underAny(d, clashes) {
			return false
		}
		inL, inR, inB := local.HasDir(d), remote.HasDir(d), base.HasDir(d)
		switch {
		case inL && !inR && !inB:
			sets.createRemote.Add(d)
		case !inL && inR && !inB:
			sets.createLocal.Add(d)
		case inL && !inR && inB:
			sets.deleteLocal.Add(d)
		case !inL && inR && inB:
			sets.deleteRemote.Add(d)
		}
		return false
	})
	return sets, err
}

// resurrect turns doomed directories that still contain outgoing content into
// creations on the other side. Deeper directories are handled first so a
// resurrected child keeps its doomed parent alive too.
func resurrect(doomed, creates mapset.Set[string], fileActions []snapshot.Action, outgoing snapshot.ActionKind) {
	if doomed.Cardinality() == 0 {
		return
	}
	keepers := creates.Clone()
	for _, a := range fileActions {
		if a.Kind == outgoing || a.Kind == snapshot.Conflict {
			keepers.Add(a.Path)
		}
	}

	candidates := doomed.ToSlice()
	sort.Slice(candidates, func(i, j int) bool { return deeperFirst(candidates[i], candidates[j]) })
	for _, d := range candidates {
		if anyUnder(keepers, d) {
			doomed.Remove(d)
			creates.Add(d)
			keepers.Add(d)
		}
	}
}

func dropCoveredDeletes(actions []snapshot.Action, dirDeletes mapset.Set[string], kind snapshot.ActionKind) []snapshot.Action {
	if dirDeletes.Cardinality() == 0 {
		return actions
	}
	kept := actions[:0]
	for _, a := range actions {
		if a.Kind == kind && hasAncestorIn(a.Path, dirDeletes) {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// pruneToTopmost keeps only the entries of set that have no ancestor in set.
// If subdirs is non-nil every pruned entry is recorded under its topmost ancestor.
func pruneToTopmost(set mapset.Set[string], subdirs map[string][]string) []string {
	var top []string
	set.Each(func(d string) bool {
		if anc, ok := topmostAncestorIn(d, set); ok {
			if subdirs != nil {
				subdirs[anc] = append(subdirs[anc], d)
			}
			return false
		}
		top = append(top, d)
		return false
	})
	for anc := range subdirs {
		sortPathsShallowFirst(subdirs[anc])
	}
	sort.Strings(top)
	return top
}

// findClashes returns paths that are a file on one side and a directory on the other.
func findClashes(local, remote *snapshot.Snapshot) mapset.Set[string] {
	clashes := mapset.NewThreadUnsafeSet[string]()
	for p := range local.Files {
		if remote.HasDir(p) {
			clashes.Add(p)
		}
	}
	for p := range remote.Files {
		if local.HasDir(p) {
			clashes.Add(p)
		}
	}
	return clashes
}

func underAny(p string, roots mapset.Set[string]) bool {
	if roots.Cardinality() == 0 {
		return false
	}
	return roots.Contains(p) || hasAncestorIn(p, roots)
}

func hasAncestorIn(p string, set mapset.Set[string]) bool {
	_, ok := topmostAncestorIn(p, set)
	return ok
}

// topmostAncestorIn walks up from p and returns the shallowest proper ancestor contained in set.
func topmostAncestorIn(p string, set mapset.Set[string]) (string, bool) {
	var found string
	ok := false
	for dir := path.Dir(p); dir != "." && dir != "/" && dir != ""; dir = path.Dir(dir) {
		if set.Contains(dir) {
			found, ok = dir, true
		}
	}
	return found, ok
}

func anyUnder(set mapset.Set[string], dir string) bool {
	found := false
	set.Each(func(p string) bool {
		if util.IsUnder(p, dir) {
			found = true
			return true
		}
		return false
	})
	return found
}

func deeperFirst(a, b string) bool {
	da, db := util.PathDepth(a), util.PathDepth(b)
	if da != db {
		return da > db
	}
	return a < b
}

func shallowerFirst(a, b string) bool {
	da, db := util.PathDepth(a), util.PathDepth(b)
	if da != db {
		return da < db
	}
	return a < b
}

func sortPathsShallowFirst(paths []string) {
	sort.Slice(paths, func(i, j int) bool { return shallowerFirst(paths[i], paths[j]) })
}

func sortShallowFirst(actions []snapshot.Action) {
	sort.SliceStable(actions, func(i, j int) bool { return shallowerFirst(actions[i].Path, actions[j].Path) })
}

func sortDeepFirst(actions []snapshot.Action) {
	sort.SliceStable(actions, func(i, j int) bool { return deeperFirst(actions[i].Path, actions[j].Path) })
}

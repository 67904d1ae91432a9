package planner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
)

// tree builds a snapshot from "path=hash" style entries. Entries ending in
// "/" are directories. Parent directories of files are added automatically.
func tree(entries ...string) *snapshot.Snapshot {
	s := snapshot.New()
	for _, e := range entries {
		if e[len(e)-1] == '/' {
			addDirChain(s, e[:len(e)-1])
			continue
		}
		var p, h string
		for i := len(e) - 1; i >= 0; i-- {
			if e[i] == '=' {
				p, h = e[:i], e[i+1:]
				break
			}
		}
		if p == "" {
			p, h = e, "h-"+e
		}
		s.AddFile(snapshot.FileRecord{Path: p, Hash: h, Size: int64(len(h))})
		for i := len(p) - 1; i >= 0; i-- {
			if p[i] == '/' {
				addDirChain(s, p[:i])
				break
			}
		}
	}
	return s
}

func addDirChain(s *snapshot.Snapshot, d string) {
	for {
		s.AddDir(d)
		i := len(d) - 1
		for i >= 0 && d[i] != '/' {
			i--
		}
		if i < 0 {
			return
		}
		d = d[:i]
	}
}

func plan(t *testing.T, local, remote, base *snapshot.Snapshot) *SyncPlan {
	t.Helper()
	p, err := GenerateSyncPlan(context.Background(), local, remote, base)
	require.NoError(t, err)
	return p
}

func act(kind snapshot.ActionKind, path string) snapshot.Action {
	return snapshot.Action{Kind: kind, Path: path}
}

func TestClassifyFile(t *testing.T) {
	rec := func(h string) *snapshot.FileRecord { return &snapshot.FileRecord{Hash: h} }

	testCases := []struct {
		name       string
		l, r, b    *snapshot.FileRecord
		wantKind   snapshot.ActionKind
		wantAction bool
	}{
		{"all equal", rec("x"), rec("x"), rec("x"), 0, false},
		{"local changed", rec("y"), rec("x"), rec("x"), snapshot.CopyToRemote, true},
		{"remote changed", rec("x"), rec("y"), rec("x"), snapshot.CopyToLocal, true},
		{"both changed identically", rec("y"), rec("y"), rec("x"), 0, false},
		{"both changed differently", rec("y"), rec("z"), rec("x"), snapshot.Conflict, true},
		{"added both sides equal", rec("x"), rec("x"), nil, 0, false},
		{"added both sides different", rec("x"), rec("y"), nil, snapshot.Conflict, true},
		{"deleted remotely", rec("x"), nil, rec("x"), snapshot.DeleteLocal, true},
		{"deleted remotely after local edit", rec("y"), nil, rec("x"), snapshot.DeleteLocal, true},
		{"deleted locally", nil, rec("x"), rec("x"), snapshot.DeleteRemote, true},
		{"new local", rec("x"), nil, nil, snapshot.CopyToRemote, true},
		{"new remote", nil, rec("x"), nil, snapshot.CopyToLocal, true},
		{"deleted both sides", nil, nil, rec("x"), 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kind, ok := ClassifyFile(tc.l, tc.r, tc.b)
			assert.Equal(t, tc.wantAction, ok)
			if tc.wantAction {
				assert.Equal(t, tc.wantKind, kind)
			}
		})
	}
}

func TestFirstSyncCopiesBothWays(t *testing.T) {
	local := tree("a.txt=A")
	remote := tree("b.txt=B")

	p := plan(t, local, remote, snapshot.New())
	assert.Equal(t, []snapshot.Action{
		act(snapshot.CopyToRemote, "a.txt"),
		act(snapshot.CopyToLocal, "b.txt"),
	}, p.Actions)
	assert.Equal(t, int64(2), p.TotalBytes)
}

func TestRemoteDeletionPropagatesLocally(t *testing.T) {
	base := tree("a.txt=A", "b.txt=B")
	local := tree("a.txt=A", "b.txt=B")
	remote := tree("a.txt=A")

	p := plan(t, local, remote, base)
	assert.Equal(t, []snapshot.Action{act(snapshot.DeleteLocal, "b.txt")}, p.Actions)
	assert.Zero(t, p.TotalBytes)
}

func TestDivergentEditsConflict(t *testing.T) {
	base := tree("a.txt=A")
	local := tree("a.txt=L")
	remote := tree("a.txt=R")

	p := plan(t, local, remote, base)
	assert.Equal(t, []snapshot.Action{act(snapshot.Conflict, "a.txt")}, p.Actions)
	assert.Equal(t, int64(1), p.TotalBytes, "conflicts count the local size")
}

func TestIdenticalEditsAreNoOp(t *testing.T) {
	base := tree("a.txt=A")
	p := plan(t, tree("a.txt=X"), tree("a.txt=X"), base)
	assert.True(t, p.IsEmpty())
}

func TestUnchangedTreesAreNoOp(t *testing.T) {
	s := tree("a.txt", "docs/b.txt", "empty/")
	p := plan(t, s, s, s)
	assert.True(t, p.IsEmpty())
	assert.Empty(t, p.Clashes)
}

func TestNilSnapshotsAreEmpty(t *testing.T) {
	p, err := GenerateSyncPlan(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())
}

func TestDirectoryCreationsArePrunedToTopmost(t *testing.T) {
	local := tree("new/a/b/", "new/c/", "other/")
	p := plan(t, local, snapshot.New(), snapshot.New())

	assert.Equal(t, []snapshot.Action{
		act(snapshot.CreateRemoteDir, "new"),
		act(snapshot.CreateRemoteDir, "other"),
	}, p.Actions)
	assert.Equal(t, []string{"new/a", "new/c", "new/a/b"}, p.Subdirs["new"])
	assert.Empty(t, p.Subdirs["other"])
}

func TestDirectoryDeletionCoversFileDeletions(t *testing.T) {
	base := tree("keep.txt", "gone/a.txt", "gone/sub/b.txt")
	local := tree("keep.txt", "gone/a.txt", "gone/sub/b.txt")
	remote := tree("keep.txt")

	p := plan(t, local, remote, base)
	assert.Equal(t, []snapshot.Action{act(snapshot.DeleteLocalDir, "gone")}, p.Actions)
}

func TestDoomedDirectoryIsKeptWhenContentFlowsOut(t *testing.T) {
	base := tree("proj/old.txt=O")
	local := tree("proj/old.txt=O", "proj/new/fresh.txt=N")
	remote := snapshot.New()

	p := plan(t, local, remote, base)
	assert.Equal(t, []snapshot.Action{
		act(snapshot.CreateRemoteDir, "proj"),
		act(snapshot.CopyToRemote, "proj/new/fresh.txt"),
		act(snapshot.DeleteLocal, "proj/old.txt"),
	}, p.Actions)
	assert.Equal(t, []string{"proj/new"}, p.Subdirs["proj"])
}

func TestTypeClashIsSkipped(t *testing.T) {
	local := tree("thing=F", "ok.txt")
	remote := tree("thing/inner.txt")

	p := plan(t, local, remote, snapshot.New())
	assert.Equal(t, []string{"thing"}, p.Clashes)
	assert.Equal(t, []snapshot.Action{act(snapshot.CopyToRemote, "ok.txt")}, p.Actions)
}

func TestActionOrdering(t *testing.T) {
	base := tree("x/old.txt", "x/deep/older.txt", "z.txt", "y/")
	local := tree("x/old.txt", "x/deep/older.txt", "b.txt=B", "n1/n2/", "y/")
	remote := tree("z.txt", "a.txt=A", "m/")

	p := plan(t, local, remote, base)

	var kinds []snapshot.ActionKind
	for _, a := range p.Actions {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []snapshot.Action{
		act(snapshot.CreateLocalDir, "m"),
		act(snapshot.CreateRemoteDir, "n1"),
		act(snapshot.CopyToLocal, "a.txt"),
		act(snapshot.CopyToRemote, "b.txt"),
		act(snapshot.DeleteRemote, "z.txt"),
		act(snapshot.DeleteLocalDir, "x"),
		act(snapshot.DeleteLocalDir, "y"),
	}, p.Actions, "kinds: %v", kinds)
}

func TestCountsPerKind(t *testing.T) {
	p := plan(t, tree("a", "b"), tree("c"), snapshot.New())
	counts := p.Counts()
	assert.Equal(t, 2, counts[snapshot.CopyToRemote])
	assert.Equal(t, 1, counts[snapshot.CopyToLocal])
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := GenerateSyncPlan(ctx, tree("a"), tree("b"), snapshot.New())
	assert.ErrorIs(t, err, context.Canceled)
}

// Conflicts only arise where both sides hold a file and their hashes differ
// from each other and, when a baseline exists, both differ from it.
func TestConflictsAreSound(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for range 200 {
		local, remote, base := randomTrees(rng)
		p := plan(t, local, remote, base)
		for _, a := range p.Actions {
			if a.Kind != snapshot.Conflict {
				continue
			}
			l, lok := local.File(a.Path)
			r, rok := remote.File(a.Path)
			require.True(t, lok && rok, a.Path)
			require.NotEqual(t, l.Hash, r.Hash)
			if b, ok := base.File(a.Path); ok {
				require.NotEqual(t, b.Hash, l.Hash)
				require.NotEqual(t, b.Hash, r.Hash)
			}
		}
	}
}

// Swapping local and remote mirrors every action and changes nothing else.
func TestPlanIsSymmetric(t *testing.T) {
	mirror := map[snapshot.ActionKind]snapshot.ActionKind{
		snapshot.CopyToRemote:    snapshot.CopyToLocal,
		snapshot.CopyToLocal:     snapshot.CopyToRemote,
		snapshot.DeleteLocal:     snapshot.DeleteRemote,
		snapshot.DeleteRemote:    snapshot.DeleteLocal,
		snapshot.CreateLocalDir:  snapshot.CreateRemoteDir,
		snapshot.CreateRemoteDir: snapshot.CreateLocalDir,
		snapshot.DeleteLocalDir:  snapshot.DeleteRemoteDir,
		snapshot.DeleteRemoteDir: snapshot.DeleteLocalDir,
		snapshot.Conflict:        snapshot.Conflict,
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 200 {
		local, remote, base := randomTrees(rng)
		forward := plan(t, local, remote, base)
		backward := plan(t, remote, local, base)

		want := make(map[string]snapshot.ActionKind)
		for _, a := range forward.Actions {
			want[a.Path] = mirror[a.Kind]
		}
		got := make(map[string]snapshot.ActionKind)
		for _, a := range backward.Actions {
			got[a.Path] = a.Kind
		}
		require.Equal(t, want, got, "iteration %d", i)
	}
}

func randomTrees(rng *rand.Rand) (local, remote, base *snapshot.Snapshot) {
	local, remote, base = snapshot.New(), snapshot.New(), snapshot.New()
	hashes := []string{"h1", "h2", "h3"}
	for i := range 12 {
		p := fmt.Sprintf("d%d/f%d", i%3, i)
		for _, s := range []*snapshot.Snapshot{local, remote, base} {
			if rng.IntN(3) == 0 {
				continue
			}
			s.AddFile(snapshot.FileRecord{Path: p, Hash: hashes[rng.IntN(len(hashes))], Size: 1})
			s.AddDir(fmt.Sprintf("d%d", i%3))
		}
	}
	return local, remote, base
}

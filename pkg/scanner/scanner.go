// Package scanner walks a directory tree and builds a Snapshot of it.
//
// The walk itself is a single filepath.WalkDir pass that records directories
// and collects regular files. Hashing, the expensive part, then fans out over
// a bounded errgroup. A file whose size and modification time match the
// baseline record for the same path keeps the baseline hash and is never read.
//
// A scan either produces a complete Snapshot or fails. On cancellation or
// error no partial snapshot is returned.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-sync/pkg/hasher"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/sharded"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/syncerr"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// DefaultProgressEvery is how many hashed files pass between progress reports.
const DefaultProgressEvery = 10

// ProgressFunc receives the completed fraction in [0,1] and a label naming the
// phase and the current entry. It may be called from several goroutines, but
// never concurrently.
type ProgressFunc func(fraction float64, label string)

// Options configures a Scanner.
type Options struct {
	// Workers bounds the number of files hashed concurrently. Zero means NumCPU.
	Workers int
	// ProgressEvery throttles progress to one report per N files. Zero means DefaultProgressEvery.
	ProgressEvery int
	// ForceRehash ignores the baseline and hashes every file.
	ForceRehash bool
	// Label names the tree in progress labels, e.g. "local" or "remote".
	Label string
	// Exclusions are applied to every entry below the root.
	Exclusions *Exclusions
	// ControlFiles are doublestar patterns, matched against the full relative
	// path, for files the engine itself writes into the tree.
	ControlFiles []string
	// Hasher overrides the default hasher.
	Hasher *hasher.Hasher
}

// Stats counts what a scan did.
type Stats struct {
	Files    int
	Dirs     int
	Hashed   int
	Reused   int
	Excluded int
	Skipped  int
	Bytes    int64
}

// Scanner builds snapshots of directory trees.
type Scanner struct {
	opts   Options
	hasher *hasher.Hasher
}

// New returns a Scanner for opts.
func New(opts Options) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Label == "" {
		opts.Label = "tree"
	}
	h := opts.Hasher
	if h == nil {
		h = hasher.New(hasher.ChunkSize)
	}
	return &Scanner{opts: opts, hasher: h}
}

type fileEntry struct {
	rel string
	abs string
}

// Scan builds a Snapshot of root. baseline supplies cached hashes and may be nil.
func (s *Scanner) Scan(ctx context.Context, root string, baseline *snapshot.Snapshot, progress ProgressFunc) (*snapshot.Snapshot, Stats, error) {
	var stats Stats
	if progress == nil {
		progress = func(float64, string) {}
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, stats, syncerr.Input("scan root", root, err)
	}
	if !info.IsDir() {
		return nil, stats, syncerr.Input("scan root", root, errors.New("not a directory"))
	}

	snap := snapshot.New()
	files, err := s.walk(ctx, root, snap, &stats)
	if err != nil {
		return nil, stats, err
	}

	records, hashed, err := s.hashAll(ctx, files, baseline, progress)
	if err != nil {
		return nil, stats, err
	}

	records.Range(func(_ string, rec snapshot.FileRecord) bool {
		snap.AddFile(rec)
		stats.Bytes += rec.Size
		return true
	})
	stats.Files = len(snap.Files)
	stats.Dirs = len(snap.Dirs)
	stats.Hashed = int(hashed)
	stats.Reused = stats.Files - stats.Hashed

	plog.Debug("Scan finished", "tree", s.opts.Label, "root", root, "files", stats.Files, "dirs", stats.Dirs,
		"hashed", stats.Hashed, "reused", stats.Reused, "excluded", stats.Excluded)
	return snap, stats, nil
}

// walk records directories into snap and returns the regular files to hash.
func (s *Scanner) walk(ctx context.Context, root string, snap *snapshot.Snapshot, stats *Stats) ([]fileEntry, error) {
	var files []fileEntry
	err := filepath.WalkDir(root, func(absPath string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return syncerr.IO("walk", absPath, walkErr)
		}

		rel, err := util.NormalizedRelPath(root, absPath)
		if err != nil {
			return syncerr.IO("walk", absPath, err)
		}
		if rel == "" {
			return nil
		}

		if d.IsDir() {
			if s.opts.Exclusions.Match(rel, true) {
				stats.Excluded++
				return fs.SkipDir
			}
			snap.AddDir(rel)
			return nil
		}

		if s.isControlFile(rel) {
			return nil
		}
		if s.opts.Exclusions.Match(rel, false) {
			stats.Excluded++
			return nil
		}
		if !d.Type().IsRegular() {
			plog.Notice("SKIP", "reason", "not a regular file", "path", absPath)
			stats.Skipped++
			return nil
		}
		files = append(files, fileEntry{rel: rel, abs: absPath})
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return files, nil
}

func (s *Scanner) isControlFile(rel string) bool {
	for _, p := range s.opts.ControlFiles {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// hashAll builds a record for every file on a bounded worker pool.
func (s *Scanner) hashAll(ctx context.Context, files []fileEntry, baseline *snapshot.Snapshot, progress ProgressFunc) (*sharded.Map[snapshot.FileRecord], int64, error) {
	records := sharded.NewMap[snapshot.FileRecord](sharded.DefaultShards)
	total := len(files)
	if total == 0 {
		progress(1, fmt.Sprintf("Scanning %s: nothing to hash", s.opts.Label))
		return records, 0, nil
	}

	var processed, hashed atomic.Int64
	var progressMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, f := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, didHash, err := s.record(gctx, f, baseline)
			if err != nil {
				return err
			}
			records.Store(rec.Path, rec)
			if didHash {
				hashed.Add(1)
			}

			n := processed.Add(1)
			if n%int64(s.opts.ProgressEvery) == 0 || n == int64(total) {
				progressMu.Lock()
				progress(float64(n)/float64(total), fmt.Sprintf("Scanning %s: %d/%d %s", s.opts.Label, n, total, f.rel))
				progressMu.Unlock()
			}
			return nil
		})
	}

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, 0, ctxErr
	}
	if err != nil {
		return nil, 0, err
	}
	return records, hashed.Load(), nil
}

// record stats one file and returns its FileRecord, hashing it only when the
// baseline cannot vouch for the content.
func (s *Scanner) record(ctx context.Context, f fileEntry, baseline *snapshot.Snapshot) (snapshot.FileRecord, bool, error) {
	info, err := os.Lstat(f.abs)
	if err != nil {
		return snapshot.FileRecord{}, false, syncerr.IO("stat", f.abs, err)
	}
	rec := snapshot.FileRecord{
		Path:     f.rel,
		Size:     info.Size(),
		Modified: info.ModTime().UTC(),
	}

	if !s.opts.ForceRehash {
		if prev, ok := baseline.File(f.rel); ok && prev.Hash != "" && prev.SameStat(rec.Size, rec.Modified) {
			rec.Hash = prev.Hash
			return rec, false, nil
		}
	}

	digest, err := s.hasher.HashFile(ctx, f.abs)
	if err != nil {
		if ctx.Err() != nil {
			return snapshot.FileRecord{}, false, ctx.Err()
		}
		return snapshot.FileRecord{}, false, syncerr.IO("hash", f.abs, err)
	}
	rec.Hash = digest
	return rec, true, nil
}

// Package metastore persists the last-sync snapshot (the merge baseline) as a
// JSON control file at the mirror root.
//
// Loading is deliberately forgiving: a missing, corrupt or too-new file is
// reported as "no baseline" and the run continues as a first-ever sync. Only a
// genuine I/O failure (for example permission denied) is returned as an error.
package metastore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-version"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
	"github.com/paulschiretz/pgl-sync/pkg/syncerr"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// FileName is the name of the baseline file at the mirror root.
const FileName = ".sync_metadata"

// Info describes who wrote a baseline and when. Every field is optional on read.
type Info struct {
	Version   string    `json:"version,omitempty"`
	Generator string    `json:"generator,omitempty"`
	SavedAt   time.Time `json:"savedAt"`
	RunID     string    `json:"runId,omitempty"`
	MachineID string    `json:"machineId,omitempty"`
}

// document is the on-disk layout. files and directories are the required
// part; everything in Info is additive.
type document struct {
	Info
	Files       map[string]snapshot.FileRecord `json:"files"`
	Directories []string                       `json:"directories"`
}

// NewInfo returns the Info for a baseline written by this build during runID.
func NewInfo(runID string) Info {
	id, err := machineid.ProtectedID(buildinfo.Name)
	if err != nil {
		plog.Debug("Machine id unavailable", "error", err)
	}
	return Info{
		Version:   buildinfo.MetadataSchema,
		Generator: buildinfo.Name + " " + buildinfo.Version,
		SavedAt:   time.Now().UTC(),
		RunID:     runID,
		MachineID: id,
	}
}

// Path returns the baseline location for root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// Load reads the baseline stored under root. A missing or unreadable document
// yields an empty snapshot and a nil error.
func Load(root string) (*snapshot.Snapshot, Info, error) {
	p := Path(root)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		plog.Info("No baseline found, treating this as a first sync", "path", p)
		return snapshot.New(), Info{}, nil
	}
	if err != nil {
		return nil, Info{}, syncerr.IO("read baseline", p, err)
	}

	snap, info, err := decode(data)
	if err != nil {
		plog.Warn("Baseline is unreadable, treating this as a first sync", "path", p, "error", syncerr.Serialization("parse baseline", p, err))
		return snapshot.New(), Info{}, nil
	}
	if err := checkSchema(info.Version); err != nil {
		plog.Warn("Baseline was written by an incompatible version, treating this as a first sync", "path", p, "error", err)
		return snapshot.New(), Info{}, nil
	}
	return snap, info, nil
}

func decode(data []byte) (*snapshot.Snapshot, Info, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Info{}, err
	}

	snap := snapshot.New()
	for key, rec := range doc.Files {
		rel := util.NormalizePath(key)
		if rel == "" {
			continue
		}
		rec.Path = rel
		snap.AddFile(rec)
	}
	for _, d := range doc.Directories {
		snap.AddDir(util.NormalizePath(d))
	}
	return snap, doc.Info, nil
}

// checkSchema accepts an empty version (older writers) and any version with
// the same major number as the one this build writes.
func checkSchema(stored string) error {
	if stored == "" {
		return nil
	}
	have, err := version.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", stored, err)
	}
	want := version.Must(version.NewVersion(buildinfo.MetadataSchema))
	if have.Segments()[0] != want.Segments()[0] {
		return fmt.Errorf("schema %s is not compatible with %s", have, want)
	}
	return nil
}

// Save replaces the baseline under root with snap. The file is written to a
// temporary name and renamed into place so a crash never leaves a torn file.
func Save(root string, snap *snapshot.Snapshot, info Info) error {
	doc := document{
		Info:        info,
		Files:       snap.Files,
		Directories: snap.SortedDirs(),
	}
	if doc.Files == nil {
		doc.Files = map[string]snapshot.FileRecord{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal baseline: %w", err)
	}

	p := Path(root)
	tmp, err := os.CreateTemp(root, FileName+".*.tmp")
	if err != nil {
		return syncerr.IO("create baseline", p, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return syncerr.IO("write baseline", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return syncerr.IO("sync baseline", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return syncerr.IO("close baseline", tmpPath, err)
	}
	// The baseline lives on the shared mirror volume, so keep it group-writable
	// like the other data files there.
	if err := os.Chmod(tmpPath, util.UserGroupWritableFilePerms); err != nil {
		return syncerr.IO("chmod baseline", tmpPath, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return syncerr.IO("replace baseline", p, err)
	}

	plog.Debug("Baseline saved", "path", p, "files", len(doc.Files), "dirs", len(doc.Directories))
	return nil
}

// SortedPaths returns the file keys of snap in lexical order. Handy for logs and tests.
func SortedPaths(snap *snapshot.Snapshot) []string {
	paths := make([]string, 0, len(snap.Files))
	for p := range snap.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

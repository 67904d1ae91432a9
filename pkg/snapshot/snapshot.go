// Package snapshot holds the data model shared by the sync pipeline: the
// per-tree Snapshot, the FileRecord it is made of, the Action variants the
// planner produces and the Resolution a caller gives for a conflict.
package snapshot

import (
	"sort"
	"time"
)

// FileRecord describes one regular file inside a tree. Path is the normalized,
// slash-separated path relative to the tree root.
type FileRecord struct {
	Path     string    `json:"path"`
	Hash     string    `json:"hash"`
	Modified time.Time `json:"modified"`
	Size     int64     `json:"size"`
}

// SameStat reports whether r and other agree on size and modification time,
// which is the condition under which a cached hash may be reused.
func (r FileRecord) SameStat(size int64, modified time.Time) bool {
	return r.Size == size && r.Modified.Equal(modified)
}

// Snapshot is a point-in-time view of a tree: its files keyed by relative path
// and the set of relative directory paths. The root itself is never listed.
type Snapshot struct {
	Files map[string]FileRecord
	Dirs  map[string]struct{}
}

// New returns an empty snapshot.
func New() *Snapshot {
	return &Snapshot{
		Files: make(map[string]FileRecord),
		Dirs:  make(map[string]struct{}),
	}
}

// AddFile stores rec under its path, replacing any previous record.
func (s *Snapshot) AddFile(rec FileRecord) {
	s.Files[rec.Path] = rec
}

// AddDir records relDir as present.
func (s *Snapshot) AddDir(relDir string) {
	if relDir == "" {
		return
	}
	s.Dirs[relDir] = struct{}{}
}

// File returns the record for relPath if present.
func (s *Snapshot) File(relPath string) (FileRecord, bool) {
	if s == nil {
		return FileRecord{}, false
	}
	rec, ok := s.Files[relPath]
	return rec, ok
}

// HasDir reports whether relDir is present in the snapshot.
func (s *Snapshot) HasDir(relDir string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Dirs[relDir]
	return ok
}

// Remove deletes relPath from both the file and directory sets, including
// everything below it.
func (s *Snapshot) Remove(relPath string) {
	delete(s.Files, relPath)
	delete(s.Dirs, relPath)
	prefix := relPath + "/"
	for p := range s.Files {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			delete(s.Files, p)
		}
	}
	for d := range s.Dirs {
		if len(d) > len(prefix) && d[:len(prefix)] == prefix {
			delete(s.Dirs, d)
		}
	}
}

// IsEmpty reports whether the snapshot lists neither files nor directories.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || (len(s.Files) == 0 && len(s.Dirs) == 0)
}

// SortedDirs returns the directory set as a sorted slice.
func (s *Snapshot) SortedDirs() []string {
	dirs := make([]string, 0, len(s.Dirs))
	for d := range s.Dirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// TotalSize returns the sum of all file sizes.
func (s *Snapshot) TotalSize() int64 {
	var total int64
	for _, rec := range s.Files {
		total += rec.Size
	}
	return total
}

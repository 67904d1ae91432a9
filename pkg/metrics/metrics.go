package metrics

import (
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// Metrics collects the outcome counters of one sync run.
type Metrics interface {
	AddFilesCopied(n int64)
	AddBytesCopied(n int64)
	AddFilesDeleted(n int64)
	AddDirsCreated(n int64)
	AddDirsDeleted(n int64)
	AddConflictsResolved(n int64)
	AddConflictsSkipped(n int64)
	AddDeletionsDenied(n int64)
	Log()
}

// SyncMetrics holds the atomic counters for tracking the sync operation's progress.
// It is the concrete implementation of the Metrics interface.
type SyncMetrics struct {
	FilesCopied       atomic.Int64
	BytesCopied       atomic.Int64
	FilesDeleted      atomic.Int64
	DirsCreated       atomic.Int64
	DirsDeleted       atomic.Int64
	ConflictsResolved atomic.Int64
	ConflictsSkipped  atomic.Int64
	DeletionsDenied   atomic.Int64

	startTime time.Time
}

// NewSyncMetrics returns counters whose summary duration starts now.
func NewSyncMetrics() *SyncMetrics {
	return &SyncMetrics{startTime: time.Now()}
}

func (m *SyncMetrics) AddFilesCopied(n int64)       { m.FilesCopied.Add(n) }
func (m *SyncMetrics) AddBytesCopied(n int64)       { m.BytesCopied.Add(n) }
func (m *SyncMetrics) AddFilesDeleted(n int64)      { m.FilesDeleted.Add(n) }
func (m *SyncMetrics) AddDirsCreated(n int64)       { m.DirsCreated.Add(n) }
func (m *SyncMetrics) AddDirsDeleted(n int64)       { m.DirsDeleted.Add(n) }
func (m *SyncMetrics) AddConflictsResolved(n int64) { m.ConflictsResolved.Add(n) }
func (m *SyncMetrics) AddConflictsSkipped(n int64)  { m.ConflictsSkipped.Add(n) }
func (m *SyncMetrics) AddDeletionsDenied(n int64)   { m.DeletionsDenied.Add(n) }

// Log prints a summary of the sync operation.
func (m *SyncMetrics) Log() {
	args := []any{
		"filesCopied", m.FilesCopied.Load(),
		"bytesCopied", humanize.IBytes(uint64(max(m.BytesCopied.Load(), 0))),
		"filesDeleted", m.FilesDeleted.Load(),
		"dirsCreated", m.DirsCreated.Load(),
		"dirsDeleted", m.DirsDeleted.Load(),
		"conflictsResolved", m.ConflictsResolved.Load(),
		"conflictsSkipped", m.ConflictsSkipped.Load(),
		"deletionsDenied", m.DeletionsDenied.Load(),
	}
	if !m.startTime.IsZero() {
		args = append(args, "duration", time.Since(m.startTime).Round(time.Millisecond))
	}
	plog.Info("SUM", args...)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)       {}
func (m *NoopMetrics) AddBytesCopied(n int64)       {}
func (m *NoopMetrics) AddFilesDeleted(n int64)      {}
func (m *NoopMetrics) AddDirsCreated(n int64)       {}
func (m *NoopMetrics) AddDirsDeleted(n int64)       {}
func (m *NoopMetrics) AddConflictsResolved(n int64) {}
func (m *NoopMetrics) AddConflictsSkipped(n int64)  {}
func (m *NoopMetrics) AddDeletionsDenied(n int64)   {}
func (m *NoopMetrics) Log()                         {}

// Statically assert that our types implement the interface.
var _ Metrics = (*SyncMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)

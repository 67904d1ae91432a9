// Package copyengine copies single files between the two trees.
//
// Every copy goes to a temporary file next to the destination and is renamed
// into place once content, permissions and modification time are final. A
// reader of the destination path therefore sees either the previous file or
// the complete new one, never a truncated write.
//
// Files up to the large-file threshold are copied in one pass with a buffer
// sized to the file, as long as the shared memory budget has room for it.
// Larger files, and small ones that find the budget exhausted, are streamed
// in fixed chunks with context checks between chunks and progress throttled
// by elapsed time.
package copyengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"github.com/paulschiretz/pgl-sync/pkg/limiter"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/pool"
	"github.com/paulschiretz/pgl-sync/pkg/syncerr"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

const (
	// DefaultLargeFileThreshold is the size above which a file is streamed in chunks.
	DefaultLargeFileThreshold = 10 << 20
	// DefaultChunkSize is the streaming buffer size.
	DefaultChunkSize = 64 << 10
	// DefaultProgressInterval is the minimum time between two progress reports of one copy.
	DefaultProgressInterval = 50 * time.Millisecond
	// TempSuffix marks in-flight copies. Scanners ignore files ending in it.
	TempSuffix = ".pgl-sync.tmp"
)

// ErrStopped is returned when a copy was interrupted by cancellation. The
// destination is left as it was before the copy started.
var ErrStopped = errors.New("copy stopped")

// ProgressFunc receives the overall sync fraction in [0,1] and a label.
type ProgressFunc func(fraction float64, label string)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	LargeFileThreshold int64
	ChunkSize          int64
	ProgressInterval   time.Duration
	// MemoryBudget caps the bytes buffered by concurrent one-pass copies.
	// It defaults to four times the large-file threshold.
	MemoryBudget int64
	Clock        clockwork.Clock
}

// Engine copies files. It is safe for concurrent use.
type Engine struct {
	threshold int64
	interval  time.Duration
	clock     clockwork.Clock
	small     *pool.BucketedBufferPool
	chunks    *pool.FixedBufferPool
	memory    *limiter.Memory
}

// Request describes one copy. Base and Total place the copy inside the whole
// run: progress is reported as (Base + copied) / Total.
type Request struct {
	Src   string
	Dst   string
	Base  int64
	Total int64
	Label string
}

// New returns an Engine for opts.
func New(opts Options) *Engine {
	if opts.LargeFileThreshold <= 0 {
		opts.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = 4 * opts.LargeFileThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	// The bucketed pool serves the direct path, so its largest bucket must
	// hold a file of exactly the threshold size.
	maxBucket := int64(2)
	for maxBucket < opts.LargeFileThreshold {
		maxBucket <<= 1
	}
	minBucket := min(int64(4<<10), maxBucket>>1)

	return &Engine{
		threshold: opts.LargeFileThreshold,
		interval:  opts.ProgressInterval,
		clock:     opts.Clock,
		small:     pool.NewBucketedBufferPool(minBucket, maxBucket),
		chunks:    pool.NewFixedBufferPool(opts.ChunkSize),
		memory:    limiter.NewMemory(opts.MemoryBudget),
	}
}

// Copy copies req.Src to req.Dst, creating the destination's parent
// directories. It returns the number of bytes written.
func (e *Engine) Copy(ctx context.Context, req Request, progress ProgressFunc) (int64, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStopped, err)
	}

	in, err := os.Open(req.Src)
	if err != nil {
		return 0, syncerr.IO("open source", req.Src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, syncerr.IO("stat source", req.Src, err)
	}

	dstDir := filepath.Dir(req.Dst)
	if err := os.MkdirAll(dstDir, util.UserWritableDirPerms); err != nil {
		return 0, syncerr.IO("create parent", dstDir, err)
	}

	out, err := os.CreateTemp(dstDir, filepath.Base(req.Dst)+".*"+TempSuffix)
	if err != nil {
		return 0, syncerr.IO("create temp", dstDir, err)
	}
	tempPath := out.Name()
	// Cleared once the rename succeeded.
	defer func() {
		if tempPath != "" {
			out.Close()
			if rmErr := os.Remove(tempPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				plog.Warn("Could not remove temporary file", "path", tempPath, "error", rmErr)
			}
		}
	}()

	direct := info.Size() <= e.threshold
	if !direct {
		plog.Debug("Streaming large file", "src", req.Src, "size", humanize.IBytes(uint64(info.Size())))
	} else {
		var release func()
		release, direct = e.memory.Reserve(info.Size())
		defer release()
		if !direct {
			plog.Debug("Memory budget exhausted, streaming", "src", req.Src, "size", info.Size())
		}
	}

	var n int64
	if direct {
		n, err = e.copyDirect(ctx, in, out, info.Size())
	} else {
		n, err = e.copyChunked(ctx, in, out, req, info.Size(), progress)
	}
	if err != nil {
		if ctx.Err() != nil {
			plog.Debug("Copy interrupted, partial file removed", "src", req.Src, "dst", req.Dst, "copied", n)
			return n, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		}
		return n, err
	}

	if err := out.Chmod(util.WithUserWritePermission(info.Mode().Perm())); err != nil {
		return n, syncerr.IO("chmod", tempPath, err)
	}
	// Close before Chtimes: flushing may touch the modification time.
	if err := out.Close(); err != nil {
		return n, syncerr.IO("close", tempPath, err)
	}
	if err := os.Chtimes(tempPath, info.ModTime(), info.ModTime()); err != nil {
		return n, syncerr.IO("set times", tempPath, err)
	}
	if err := ctx.Err(); err != nil {
		return n, fmt.Errorf("%w: %w", ErrStopped, err)
	}
	if err := os.Rename(tempPath, req.Dst); err != nil {
		return n, syncerr.IO("rename", req.Dst, err)
	}
	tempPath = ""

	progress(fraction(req.Base+n, req.Total), req.Label)
	return n, nil
}

func (e *Engine) copyDirect(ctx context.Context, in io.Reader, out io.Writer, size int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}
	bufPtr := e.small.Get(size)
	defer e.small.Put(bufPtr)

	n, err := io.CopyBuffer(out, in, *bufPtr)
	if err != nil {
		return n, syncerr.IO("copy", "", err)
	}
	return n, ctx.Err()
}

func (e *Engine) copyChunked(ctx context.Context, in io.Reader, out io.Writer, req Request, size int64, progress ProgressFunc) (int64, error) {
	bufPtr := e.chunks.Get()
	defer e.chunks.Put(bufPtr)
	buf := *bufPtr

	var copied int64
	lastReport := e.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		nr, readErr := in.Read(buf)
		if nr > 0 {
			nw, writeErr := out.Write(buf[:nr])
			copied += int64(nw)
			if writeErr != nil {
				return copied, syncerr.IO("write", req.Dst, writeErr)
			}
			if nw != nr {
				return copied, syncerr.IO("write", req.Dst, io.ErrShortWrite)
			}
			if now := e.clock.Now(); now.Sub(lastReport) >= e.interval {
				lastReport = now
				progress(fraction(req.Base+copied, req.Total), fmt.Sprintf("%s (%d%%)", req.Label, copied*100/max(size, 1)))
			}
		}
		if readErr == io.EOF {
			return copied, nil
		}
		if readErr != nil {
			return copied, syncerr.IO("read", req.Src, readErr)
		}
	}
}

// fraction returns done/total clamped to [0,1]. A zero total counts as done.
func fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(done) / float64(total)
	return max(0, min(f, 1))
}

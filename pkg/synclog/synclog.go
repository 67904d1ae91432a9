// Package synclog maintains the durable, human-readable action log at the
// mirror root. Every line is prefixed with a local timestamp. When the file
// grows past its size limit it is compressed into a numbered archive
// (.sync_log.1.zst is the newest) and a fresh file is started.
package synclog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/syncerr"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// FileName is the name of the log file at the mirror root.
const FileName = ".sync_log"

const timestampLayout = "2006-01-02 15:04:05"

// Options configures rotation. Zero values select the defaults.
type Options struct {
	// MaxSize is the size in bytes at which the log is rotated.
	MaxSize int64
	// Keep is the number of archives retained. Zero keeps none.
	Keep   int
	Format Format
	Clock  clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = 1 << 20
	}
	if o.Keep < 0 {
		o.Keep = 0
	}
	if o.Format == "" {
		o.Format = Zstd
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Log is an open action log. It is safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
	opts Options
}

// Path returns the log location for root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// Open opens (or creates) the log under root for appending.
func Open(root string, opts Options) (*Log, error) {
	l := &Log{path: Path(root), opts: opts.withDefaults()}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) open() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, util.UserGroupWritableFilePerms)
	if err != nil {
		return syncerr.IO("open log", l.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return syncerr.IO("stat log", l.path, err)
	}
	l.f, l.size = f, info.Size()
	return nil
}

// Write appends one timestamped line. Embedded newlines are flattened so one
// call is always one line.
func (l *Log) Write(text string) error {
	line := fmt.Sprintf("[%s] %s\n", l.opts.Clock.Now().Format(timestampLayout), strings.ReplaceAll(text, "\n", " "))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return syncerr.IO("write log", l.path, fs.ErrClosed)
	}
	if l.size > 0 && l.size+int64(len(line)) > l.opts.MaxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.f.WriteString(line)
	l.size += int64(n)
	if err != nil {
		return syncerr.IO("write log", l.path, err)
	}
	return nil
}

// Writef is Write with fmt.Sprintf formatting.
func (l *Log) Writef(format string, args ...any) error {
	return l.Write(fmt.Sprintf(format, args...))
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return syncerr.IO("close log", l.path, err)
	}
	return nil
}

// rotate compresses the current file into archive 1, shifting older archives
// up and dropping those beyond Keep. Called with mu held.
func (l *Log) rotate() error {
	if err := l.f.Close(); err != nil {
		return syncerr.IO("close log", l.path, err)
	}
	l.f = nil

	if l.opts.Keep > 0 {
		if err := l.shiftArchives(); err != nil {
			return err
		}
		archive := fmt.Sprintf("%s.1%s", l.path, l.opts.Format.Ext())
		if err := compressFile(l.path, archive, l.opts.Format); err != nil {
			return err
		}
		plog.Debug("Log rotated", "archive", archive)
	}
	if err := os.Truncate(l.path, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return syncerr.IO("truncate log", l.path, err)
	}
	return l.open()
}

type archive struct {
	path  string
	index int
	ext   string
}

// Archives returns the rotated archives of the log under root, newest first.
func Archives(root string) ([]string, error) {
	list, err := listArchives(Path(root))
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(list))
	for i, a := range list {
		paths[i] = a.path
	}
	return paths, nil
}

func listArchives(logPath string) ([]archive, error) {
	matches, err := filepath.Glob(logPath + ".*")
	if err != nil {
		return nil, err
	}
	var list []archive
	for _, m := range matches {
		rest := strings.TrimPrefix(m, logPath+".")
		idx, ext, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 1 {
			continue
		}
		if _, err := ParseFormat(ext); err != nil {
			continue
		}
		list = append(list, archive{path: m, index: n, ext: "." + ext})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].index < list[j].index })
	return list, nil
}

func (l *Log) shiftArchives() error {
	list, err := listArchives(l.path)
	if err != nil {
		return syncerr.IO("list log archives", l.path, err)
	}
	// Oldest first so every rename target is already free.
	for i := len(list) - 1; i >= 0; i-- {
		a := list[i]
		if a.index >= l.opts.Keep {
			if err := os.Remove(a.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return syncerr.IO("remove log archive", a.path, err)
			}
			continue
		}
		next := fmt.Sprintf("%s.%d%s", l.path, a.index+1, a.ext)
		if err := os.Rename(a.path, next); err != nil {
			return syncerr.IO("shift log archive", a.path, err)
		}
	}
	return nil
}

func compressFile(src, dst string, format Format) (retErr error) {
	in, err := os.Open(src)
	if err != nil {
		return syncerr.IO("open log", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, util.UserGroupWritableFilePerms)
	if err != nil {
		return syncerr.IO("create log archive", tmp, err)
	}
	defer func() {
		if retErr != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	bufWriter := bufio.NewWriter(out)
	var cw io.WriteCloser
	switch format {
	case Gzip:
		cw, err = pgzip.NewWriterLevel(bufWriter, pgzip.BestCompression)
	default:
		cw, err = zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	}
	if err != nil {
		return fmt.Errorf("failed to create %s writer: %w", format, err)
	}

	if _, err := io.Copy(cw, in); err != nil {
		cw.Close()
		return syncerr.IO("compress log", src, err)
	}
	if err := cw.Close(); err != nil {
		return syncerr.IO("compress log", src, err)
	}
	if err := bufWriter.Flush(); err != nil {
		return syncerr.IO("write log archive", tmp, err)
	}
	if err := out.Close(); err != nil {
		return syncerr.IO("close log archive", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return syncerr.IO("rename log archive", dst, err)
	}
	return nil
}

// OpenArchive returns a reader for the decompressed content of a rotated archive.
func OpenArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case Gzip.Ext():
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return &stackedReader{Reader: gz, closers: []func() error{gz.Close, f.Close}}, nil
	case Zstd.Ext():
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return &stackedReader{Reader: zr, closers: []func() error{func() error { zr.Close(); return nil }, f.Close}}, nil
	default:
		f.Close()
		return nil, fmt.Errorf("unknown log archive extension: %s", path)
	}
}

type stackedReader struct {
	io.Reader
	closers []func() error
}

func (r *stackedReader) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

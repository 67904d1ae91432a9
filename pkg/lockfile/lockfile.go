// Package lockfile keeps two sync runs from working on the same mirror root at
// once. The lock is an OS file lock (flock on unix, LockFileEx on windows) on
// .sync_lock, so it disappears with the process that held it and needs no
// stale-lock detection. Who holds the lock is written next to it as JSON for
// the error message a second run shows.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// LockFileName is the name of the lock file created at the mirror root.
const LockFileName = ".sync_lock"

// HolderFileName is the holder description written while the lock is held.
const HolderFileName = LockFileName + ".json"

const retryDelay = 100 * time.Millisecond

// Holder describes the run that holds the lock.
type Holder struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
}

// ErrLockHeld is matched by every *ErrLockActive.
var ErrLockHeld = errors.New("mirror root is locked by another sync")

// ErrLockActive is returned when the lock is held by another run.
type ErrLockActive struct {
	Holder Holder
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	if e.Holder.PID == 0 {
		return ErrLockHeld.Error()
	}
	return fmt.Sprintf("%s (PID %d on host '%s', run %s, started %s ago)", ErrLockHeld, e.Holder.PID, e.Holder.Hostname,
		e.Holder.RunID, time.Since(e.Holder.StartedAt).Truncate(time.Second))
}

func (e *ErrLockActive) Unwrap() error { return ErrLockHeld }

// Lock is a held mirror-root lock.
type Lock struct {
	fl         *flock.Flock
	holderPath string
	mu         sync.Mutex
	// We keep track if we actually hold the lock to prevent double release
	held bool
}

// Acquire locks dir for runID. With wait > 0 it retries until the lock is free,
// wait has elapsed or ctx is done; otherwise it tries once.
func Acquire(ctx context.Context, dir, runID string, wait time.Duration) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lockPath := filepath.Join(dir, LockFileName)
	fl := flock.New(lockPath)

	var locked bool
	var err error
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		locked, err = fl.TryLockContext(waitCtx, retryDelay)
		cancel()
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	} else {
		locked, err = fl.TryLock()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to access lock file: %w", err)
	}

	holderPath := filepath.Join(dir, HolderFileName)
	if !locked {
		holder, readErr := readHolder(holderPath)
		if readErr != nil {
			plog.Debug("Lock holder unknown", "path", holderPath, "error", readErr)
		}
		return nil, &ErrLockActive{Holder: holder}
	}

	hostname, _ := os.Hostname()
	holder := Holder{PID: os.Getpid(), Hostname: hostname, RunID: runID, StartedAt: time.Now().UTC()}
	if err := writeHolderAtomic(holderPath, holder); err != nil {
		// The OS lock is what matters; the holder file is informational.
		plog.Warn("Could not write lock holder", "path", holderPath, "error", err)
	}

	plog.Debug("Lock acquired", "path", lockPath, "runId", runID)
	return &Lock{fl: fl, holderPath: holderPath, held: true}, nil
}

// Release unlocks and removes the lock files. It is safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false

	if err := os.Remove(l.holderPath); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock holder file", "path", l.holderPath, "error", err)
	}
	if err := l.fl.Unlock(); err != nil {
		plog.Warn("Failed to unlock", "path", l.fl.Path(), "error", err)
		return
	}
	if err := os.Remove(l.fl.Path()); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.fl.Path(), "error", err)
	} else {
		plog.Debug("Lock released", "path", l.fl.Path())
	}
}

func readHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return Holder{}, fmt.Errorf("lock holder is corrupt: %w", err)
	}
	return h, nil
}

// writeHolderAtomic writes to a temporary file in the same directory and
// renames it over path so readers never see a torn document.
func writeHolderAtomic(path string, h Holder) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock holder: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp holder file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write lock holder: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp holder file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), util.UserWritableFilePerms); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

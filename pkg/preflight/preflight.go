// Package preflight provides functions for validation and checks that run before
// a sync begins. The checks are stateless and idempotent, with the exception of
// EnsureMirrorExists and the write probe, ensuring the system is in a suitable
// state for a sync to proceed.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// ErrInsufficientSpace is returned by CheckFreeSpace.
var ErrInsufficientSpace = errors.New("insufficient free space")

// Run performs the checks selected by p for the two roots.
func Run(p Plan, localRoot, mirrorRoot string) error {
	if p.LocalAccessible {
		if err := CheckLocalAccessible(localRoot); err != nil {
			return err
		}
	}
	if p.RootsNotNested {
		if err := CheckRootsNotNested(localRoot, mirrorRoot); err != nil {
			return err
		}
	}
	if p.MirrorAccessible {
		if err := CheckMirrorAccessible(mirrorRoot); err != nil {
			return err
		}
	}
	if p.EnsureMirrorExists || p.MirrorWritable {
		if err := CheckMirrorWritable(mirrorRoot); err != nil {
			return err
		}
	}
	return nil
}

// CheckMirrorAccessible performs pre-flight checks to ensure the mirror root is usable.
// It provides more user-friendly errors than letting os.MkdirAll fail.
//
// The checks include:
//  1. On Windows, verifies that the drive or network share (e.g., "Z:", "\\Server\Share") exists.
//  2. If the mirror path exists, confirms it is a directory.
//  3. If the mirror path does not exist, confirms its parent directory is accessible.
//  4. On Unix, if the path lies below a removable-media mount directory, it verifies the
//     device is actually mounted to prevent writing to a "ghost" directory on the root
//     filesystem. This is done on the deepest existing ancestor.
func CheckMirrorAccessible(mirrorPath string) error {
	if isUnsafeRoot(mirrorPath) {
		return fmt.Errorf("mirror path cannot be the current directory or a bare drive: %q", mirrorPath)
	}

	info, err := os.Stat(mirrorPath)
	if os.IsNotExist(err) {
		// If /media/usb/docs doesn't exist, is /media/usb mounted?
		ancestor, err := deepestExistingAncestor(mirrorPath)
		if err != nil {
			return err
		}
		if err := platformValidateMountPoint(ancestor); err != nil {
			return err
		}

		// The immediate parent must exist so we only ever create one level.
		parentDir := filepath.Dir(mirrorPath)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return fmt.Errorf("mirror path and its parent directory do not exist: %s", parentDir)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access mirror path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("mirror path exists but is not a directory: %s", mirrorPath)
	}
	return platformValidateMountPoint(mirrorPath)
}

// CheckLocalAccessible validates that the local root exists and is a directory.
func CheckLocalAccessible(localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("local directory %s does not exist", localPath)
		}
		return fmt.Errorf("cannot stat local directory %s: %w", localPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local path %s is not a directory", localPath)
	}
	return nil
}

// CheckRootsNotNested rejects configurations where one root contains the other.
// Syncing them would copy the mirror into itself on every run.
func CheckRootsNotNested(localPath, mirrorPath string) error {
	a, err := filepath.Abs(localPath)
	if err != nil {
		return fmt.Errorf("cannot resolve local path: %w", err)
	}
	b, err := filepath.Abs(mirrorPath)
	if err != nil {
		return fmt.Errorf("cannot resolve mirror path: %w", err)
	}
	if util.IsNestedPath(a, b) {
		return fmt.Errorf("local root %s and mirror root %s are nested or identical", a, b)
	}
	return nil
}

// CheckMirrorWritable ensures the mirror directory can be created and is writable
// by performing filesystem modifications.
func CheckMirrorWritable(mirrorPath string) error {
	if info, err := os.Stat(mirrorPath); err == nil && !info.IsDir() {
		return fmt.Errorf("mirror path exists but is not a directory: %s", mirrorPath)
	}
	if err := os.MkdirAll(mirrorPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create mirror directory %s: %w", mirrorPath, err)
	}

	tempFile := filepath.Join(mirrorPath, ".pgl-sync-writetest.tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("mirror directory %s is not writable: %w", mirrorPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}

// CheckFreeSpace fails when the volume holding path has fewer than need bytes
// available. path does not have to exist yet.
func CheckFreeSpace(path string, need int64) error {
	if need <= 0 {
		return nil
	}
	existing, err := deepestExistingAncestor(path)
	if err != nil {
		return err
	}
	free, err := FreeSpace(existing)
	if err != nil {
		return fmt.Errorf("cannot determine free space for %s: %w", path, err)
	}
	if free < uint64(need) {
		return fmt.Errorf("%w on %s: need %s, have %s", ErrInsufficientSpace, path,
			humanize.IBytes(uint64(need)), humanize.IBytes(free))
	}
	return nil
}

// deepestExistingAncestor returns path itself if it exists, otherwise the
// closest parent that does.
func deepestExistingAncestor(path string) (string, error) {
	ancestor := filepath.Clean(path)
	for {
		_, err := os.Stat(ancestor)
		if err == nil {
			return ancestor, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		ancestor = parent
	}
}

//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// mountParents are the directories removable media is mounted below.
var mountParents = []string{"/media", "/run/media", "/mnt", "/Volumes"}

// platformValidateMountPoint checks, for paths below a removable-media mount
// directory, that the path does not reside on the root filesystem. If it does,
// the drive is assumed NOT to be mounted (ghost detection).
func platformValidateMountPoint(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if !underMountParent(abs) {
		return nil
	}

	rootInfo, err := os.Stat("/")
	if err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	rootStat, ok := rootInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	pathInfo, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to stat mirror path: %w", err)
	}
	pathStat, ok := pathInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	if pathStat.Dev == rootStat.Dev {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk). "+
			"Ensure your external drive is mounted", abs)
	}
	return nil
}

func underMountParent(abs string) bool {
	for _, p := range mountParents {
		if util.IsUnder(filepath.ToSlash(abs), filepath.ToSlash(p)) {
			return true
		}
	}
	return false
}

// FreeSpace returns the bytes available to an unprivileged user on the
// filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func isUnsafeRoot(path string) bool {
	return path == "" || path == "." || path == string(filepath.Separator)
}

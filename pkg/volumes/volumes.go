// Package volumes lists the mounted volumes a mirror tree can live on and
// derives the mirror root for a local directory on such a volume.
package volumes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// Volume is a mounted filesystem that can hold a mirror tree.
type Volume struct {
	Mountpoint string
	Device     string
	Fstype     string
	Total      uint64
	Free       uint64
}

// removableParents are the Unix directories desktop environments mount
// external drives below.
var removableParents = []string{"/media/", "/run/media/", "/mnt/", "/Volumes/"}

// pseudoFstypes never hold user data.
var pseudoFstypes = map[string]bool{
	"tmpfs": true, "devtmpfs": true, "proc": true, "sysfs": true, "overlay": true,
	"squashfs": true, "autofs": true, "cgroup": true, "cgroup2": true, "devfs": true,
}

// List returns the candidate volumes sorted by mount point. Volumes whose
// usage cannot be read are still listed, with zero sizes.
func List(ctx context.Context) ([]Volume, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	var vols []Volume
	for _, p := range Candidates(parts, runtime.GOOS) {
		v := Volume{Mountpoint: p.Mountpoint, Device: p.Device, Fstype: p.Fstype}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			plog.Debug("Volume usage unavailable", "mountpoint", p.Mountpoint, "error", err)
		} else {
			v.Total = usage.Total
			v.Free = usage.Free
		}
		vols = append(vols, v)
	}
	return vols, nil
}

// Candidates keeps the partitions that look like external or secondary
// drives for goos, sorted by mount point.
func Candidates(parts []disk.PartitionStat, goos string) []disk.PartitionStat {
	var out []disk.PartitionStat
	seen := make(map[string]bool)
	for _, p := range parts {
		if seen[p.Mountpoint] || pseudoFstypes[p.Fstype] || !IsCandidate(p.Mountpoint, goos) {
			continue
		}
		seen[p.Mountpoint] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mountpoint < out[j].Mountpoint })
	return out
}

// IsCandidate reports whether mountpoint looks like a removable or secondary
// volume on goos. On Windows every drive except the system drive qualifies.
func IsCandidate(mountpoint, goos string) bool {
	if goos == "windows" {
		vol := strings.ToUpper(strings.TrimRight(mountpoint, `\/`))
		return len(vol) == 2 && vol[1] == ':' && vol != "C:"
	}
	for _, prefix := range removableParents {
		if strings.HasPrefix(mountpoint, prefix) && len(mountpoint) > len(prefix) {
			return true
		}
	}
	return false
}

// MirrorRoot returns the mirror root for localRoot on volume: a directory on
// the volume named after the last element of localRoot.
func MirrorRoot(volume, localRoot string) (string, error) {
	if volume == "" {
		return "", errors.New("no volume given")
	}
	abs, err := filepath.Abs(localRoot)
	if err != nil {
		return "", fmt.Errorf("cannot resolve local root: %w", err)
	}
	name := filepath.Base(abs)
	if name == "" || name == "." || name == string(filepath.Separator) || name == filepath.VolumeName(abs) {
		return "", fmt.Errorf("local root %q has no directory name to mirror under", localRoot)
	}
	return filepath.Join(volume, name), nil
}

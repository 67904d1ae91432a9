package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/volumes"
)

// RunVolumes lists the mounted drives that look like mirror candidates.
func RunVolumes(ctx context.Context, flagMap map[string]any) error {
	if level, ok := flagMap["log-level"].(string); ok {
		plog.SetLevel(plog.LevelFromString(level))
	}
	vols, err := volumes.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list volumes: %w", err)
	}
	printVolumes(os.Stdout, vols)
	return nil
}

func printVolumes(out io.Writer, vols []volumes.Volume) {
	if len(vols) == 0 {
		fmt.Fprintln(out, "No removable drives found.")
		return
	}
	for _, v := range vols {
		fmt.Fprintf(out, "%-30s %-8s %10s free of %s\n",
			v.Mountpoint, v.Fstype, humanize.IBytes(v.Free), humanize.IBytes(v.Total))
	}
}

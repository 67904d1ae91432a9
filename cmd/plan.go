package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/flagparse"
	"github.com/paulschiretz/pgl-sync/pkg/snapshot"
)

// RunPlan handles the logic for the plan command. It prints what a sync
// would do and changes nothing on either side.
func RunPlan(ctx context.Context, flagMap map[string]any) error {
	return runPlan(ctx, flagMap, os.Stdout)
}

func runPlan(ctx context.Context, flagMap map[string]any, out io.Writer) error {
	runConfig, err := loadRunConfig(flagparse.Plan, flagMap)
	if err != nil {
		return err
	}
	runConfig.LogSummary()

	preview, err := engine.NewRunner(engineConfig(runConfig)).Preview(ctx)
	if err != nil {
		return fmt.Errorf("could not plan sync: %w", err)
	}
	printPreview(out, preview)
	return nil
}

func printPreview(out io.Writer, p *engine.Preview) {
	if p.Plan.IsEmpty() {
		fmt.Fprintln(out, "Nothing to synchronize.")
	}
	for _, a := range p.Plan.Actions {
		size := ""
		switch a.Kind {
		case snapshot.CopyToRemote, snapshot.Conflict:
			size = humanize.IBytes(uint64(p.Local.Files[a.Path].Size))
		case snapshot.CopyToLocal:
			size = humanize.IBytes(uint64(p.Remote.Files[a.Path].Size))
		}
		fmt.Fprintf(out, "%-18s %-10s %s\n", a.Kind, size, a.Path)
	}
	for _, c := range p.Plan.Clashes {
		fmt.Fprintf(out, "%-18s %-10s %s\n", "skipped-type-clash", "", c)
	}

	counts := p.Plan.Counts()
	kinds := make([]snapshot.ActionKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	if len(kinds) > 0 {
		fmt.Fprintln(out)
	}
	for _, k := range kinds {
		fmt.Fprintf(out, "%-18s %d\n", k.String()+":", counts[k])
	}
	fmt.Fprintf(out, "\nTo local: %s, to remote: %s\n",
		humanize.IBytes(uint64(p.BytesToLocal)), humanize.IBytes(uint64(p.BytesToRemote)))
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/console"
	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/flagparse"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/syncmsg"
)

// ErrSyncStopped is returned when a run ended before completing.
var ErrSyncStopped = errors.New("sync stopped before completion")

// RunSync handles the logic for the sync command.
func RunSync(ctx context.Context, flagMap map[string]any) error {
	return runSync(ctx, flagMap, console.Options{})
}

func runSync(ctx context.Context, flagMap map[string]any, ui console.Options) error {
	runConfig, err := loadRunConfig(flagparse.Sync, flagMap)
	if err != nil {
		return err
	}
	runConfig.LogSummary()

	ui.AssumeYes = runConfig.Runtime.AssumeYes
	ui.Conflict = runConfig.Runtime.Conflict
	ui.Plain = ui.Plain || runConfig.Runtime.Plain

	startTime := time.Now()
	runner := engine.NewRunner(engineConfig(runConfig))
	sess := runner.Start(ctx)
	console.New(ui).Drive(sess)
	<-sess.Done()

	report := runner.Report()
	duration := time.Since(startTime).Round(time.Millisecond)
	logReport(report)

	switch report.Status {
	case syncmsg.Complete:
		plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
		return nil
	case syncmsg.Stopped:
		return fmt.Errorf("%w: %v", ErrSyncStopped, report.Err)
	default:
		return report.Err // The error will be logged with full details by main()
	}
}

// logReport logs the soft outcomes of a finished run. The counters are
// logged by the engine itself.
func logReport(report *engine.Report) {
	for _, h := range report.Hints() {
		plog.Info(h.Error(), "runId", report.RunID)
	}
}

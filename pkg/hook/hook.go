// Package hook runs the user's shell commands before and after a sync, for
// example to mount the mirror volume or to send a notification. The commands
// see the run through PGL_SYNC_* environment variables.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-sync/pkg/hints"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")

// Plan lists the hook commands of a run.
type Plan struct {
	PreSync  []string
	PostSync []string
	// FailFast makes a failing pre-sync command abort the run.
	FailFast bool
}

// Env is exported to every hook command.
type Env struct {
	LocalRoot  string
	MirrorRoot string
	RunID      string
	// Status is the terminal state of the run; empty for pre-sync hooks.
	Status string
}

func (e Env) vars() []string {
	return []string{
		"PGL_SYNC_LOCAL=" + e.LocalRoot,
		"PGL_SYNC_MIRROR=" + e.MirrorRoot,
		"PGL_SYNC_RUN_ID=" + e.RunID,
		"PGL_SYNC_STATUS=" + e.Status,
	}
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor returns a HookExecutor. A nil commandContext uses exec.CommandContext.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &HookExecutor{commandContext: commandContext}
}

// RunPreSync runs the pre-sync commands in order. With FailFast the first
// failing command ends the run with an error.
func (e *HookExecutor) RunPreSync(ctx context.Context, p Plan, env Env) error {
	return e.run(ctx, "pre-sync", p.PreSync, p.FailFast, env)
}

// RunPostSync runs the post-sync commands. Failures are only logged because
// the sync itself has already finished.
func (e *HookExecutor) RunPostSync(ctx context.Context, p Plan, env Env) error {
	return e.run(ctx, "post-sync", p.PostSync, false, env)
}

func (e *HookExecutor) run(ctx context.Context, stage string, commands []string, failFast bool, env Env) error {
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running %s hook commands", stage))
	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		plog.Info("Executing command", "command", hookCommand)
		cmd := e.createCommand(ctx, hookCommand)
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, env.vars()...)

		// Pipe output to our logger for visibility
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A canceled context kills the command, report that rather than the exit status.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "stage", stage, "command", hookCommand, "error", err)
		}
	}
	return nil
}

//go:build !windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand runs a sync hook through /bin/sh.
func (e *HookExecutor) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := e.commandContext(ctx, "/bin/sh", "-c", command)
	// Own process group, so a stopped sync can signal the hook's children too.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}

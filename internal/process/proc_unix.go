//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// SupportsProcessGroups reports whether TerminateProcessTree reaches descendants.
const SupportsProcessGroups = true

const pollInterval = 50 * time.Millisecond

func configureProcessTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// TerminateProcessTree sends SIGTERM to the command's process group, waits up
// to grace for the group to disappear, then sends SIGKILL to whatever is left.
// exited is closed once the direct child has been reaped.
func TerminateProcessTree(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if pgid <= 0 {
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	leaderDone := false
	for {
		select {
		case <-deadline.C:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return
		case <-exited:
			leaderDone = true
			exited = nil
		case <-ticker.C:
		}
		if leaderDone && groupGone(pgid) {
			return
		}
	}
}

func groupGone(pgid int) bool {
	return errors.Is(syscall.Kill(-pgid, 0), syscall.ESRCH)
}

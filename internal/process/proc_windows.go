//go:build windows

package process

import (
	"os/exec"
	"time"
)

// SupportsProcessGroups is false here: only the direct child is killed and
// any processes it spawned are left running.
const SupportsProcessGroups = false

func configureProcessTree(cmd *exec.Cmd) {}

func TerminateProcessTree(cmd *exec.Cmd, _ time.Duration, _ <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

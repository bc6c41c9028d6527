//go:build unix

package utils

import (
	"os/exec"
	"syscall"
)

// OwnProcessGroup starts cmd in a new process group, so a terminal Ctrl+C reaches
// only headcount and the child is stopped by us rather than by the signal.
func OwnProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

//go:build !unix

package utils

import "os/exec"

// OwnProcessGroup is a no-op where process groups are not available.
func OwnProcessGroup(cmd *exec.Cmd) {}

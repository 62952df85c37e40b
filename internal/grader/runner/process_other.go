//go:build !linux

package runner

import "os/exec"

const jailSupported = false

func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup only reaches the direct child on this platform.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

//go:build windows

package agent

import (
	"os/exec"
	"syscall"
)

// prepareCommand keeps the script from flashing a console window.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}

func killCommand(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

//go:build windows

package worker

import (
	"fmt"
	"os/exec"
	"syscall"
)

// createNoWindow keeps console runners from flashing a window.
const createNoWindow = 0x08000000

// setupProcessGroup hides the runner's console window. Windows has no
// process groups; killProcessGroup walks the tree with taskkill instead.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
	cmd.SysProcAttr.CreationFlags |= createNoWindow
}

// killProcessGroup kills the process tree on Windows.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	killCmd := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	killCmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: createNoWindow}
	if err := killCmd.Run(); err != nil {
		// Fall back to direct kill
		return cmd.Process.Kill()
	}
	return nil
}

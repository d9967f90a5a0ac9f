//go:build !windows

package gate

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the command in its own process group so a
// timeout kills the whole tree.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

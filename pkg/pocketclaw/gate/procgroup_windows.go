//go:build windows

package gate

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}

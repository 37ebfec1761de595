//go:build unix

package agent

import (
	"os/exec"
	"syscall"
)

// configureKill runs the agent in its own process group and kills the whole
// group, so tool subprocesses cannot hold the output pipes open
func configureKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

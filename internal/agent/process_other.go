//go:build !unix

package agent

import "os/exec"

func configureKill(cmd *exec.Cmd) {}

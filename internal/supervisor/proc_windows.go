//go:build windows

package supervisor

import (
	"os/exec"
	"time"
)

func configureProcess(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd, _ time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

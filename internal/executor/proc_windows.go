//go:build windows

package executor

import (
	"os/exec"
	"time"
)

func configureWorkerProcess(cmd *exec.Cmd) {}

func terminateWorkerProcess(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if grace > 0 {
		time.Sleep(grace)
	}
	_ = cmd.Process.Kill()
}

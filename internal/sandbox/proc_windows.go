//go:build windows

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// The ulimit wrapper needs /bin/sh, so Execute fails at LookPath or spawn
// on Windows; these keep the package building.

func sysProcAttr(Limits) *syscall.SysProcAttr { return nil }

func killGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func groupRSS(int) (int64, bool) { return 0, false }

type usage struct {
	cpu    time.Duration
	maxRSS int64
}

func usageOf(state *os.ProcessState) usage {
	if state == nil {
		return usage{}
	}
	return usage{cpu: state.UserTime() + state.SystemTime()}
}

func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), ""
}

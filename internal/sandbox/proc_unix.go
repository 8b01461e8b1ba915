//go:build unix

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

// killGroup sends SIGKILL to the child's whole process group. The child is
// started with Setpgid, so its pgid equals its pid.
func killGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	// Negative PGID targets the full process group (shell + spawned children).
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

type usage struct {
	cpu    time.Duration
	maxRSS int64
}

func usageOf(state *os.ProcessState) usage {
	if state == nil {
		return usage{}
	}
	u := usage{cpu: state.UserTime() + state.SystemTime()}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		// ru_maxrss is kilobytes on Linux and the BSDs, bytes on darwin
		scale := int64(1024)
		if runtime.GOOS == "darwin" {
			scale = 1
		}
		u.maxRSS = int64(ru.Maxrss) * scale
	}
	return u
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGXCPU: "SIGXCPU",
	syscall.SIGXFSZ: "SIGXFSZ",
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGBUS:  "SIGBUS",
	syscall.SIGPIPE: "SIGPIPE",
}

// exitStatus returns the exit code, or 128+signo and the signal name when
// the child was killed by a signal.
func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return state.ExitCode(), ""
	}
	sig := ws.Signal()
	name, ok := signalNames[sig]
	if !ok {
		name = fmt.Sprintf("signal %d", int(sig))
	}
	return 128 + int(sig), name
}

//go:build unix && !linux

package sandbox

import "syscall"

// Namespaces do not exist here; both isolation modes fall back to rlimits.
func sysProcAttr(Limits) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// No /proc: peak memory comes from rusage after exit.
func groupRSS(int) (int64, bool) { return 0, false }

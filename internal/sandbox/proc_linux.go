//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// sysProcAttr puts the child in its own process group and, for namespace
// isolation, in fresh user, ipc and uts namespaces plus a network namespace
// with no interfaces unless network access is allowed.
func sysProcAttr(l Limits) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if l.Isolation != IsolationNamespaces {
		return attr
	}
	attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	if !l.NetworkAllowed {
		attr.Cloneflags |= syscall.CLONE_NEWNET
	}
	uid, gid := os.Getuid(), os.Getgid()
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	return attr
}

// groupRSS sums the resident set size of every process in process group
// pgid, so memory held by forked children counts against the cap too.
func groupRSS(pgid int) (int64, bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, false
	}
	page := int64(os.Getpagesize())
	var (
		total int64
		found bool
	)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		group, pages, ok := readStat(pid)
		if !ok || group != pgid {
			continue
		}
		total += pages * page
		found = true
	}
	return total, found
}

// readStat returns the process group and resident pages from
// /proc/<pid>/stat. comm may hold spaces and parens, so fields are counted
// from the last ')'.
func readStat(pid int) (pgrp int, rssPages int64, ok bool) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, false
	}
	i := strings.LastIndexByte(string(raw), ')')
	if i < 0 {
		return 0, 0, false
	}
	// state ppid pgrp ... rss is the 22nd field after comm
	fields := strings.Fields(string(raw[i+1:]))
	if len(fields) < 22 {
		return 0, 0, false
	}
	pgrp, err = strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, false
	}
	rssPages, err = strconv.ParseInt(fields[21], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return pgrp, rssPages, true
}

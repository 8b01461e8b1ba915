package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Isolation selects how a child is separated from the host.
type Isolation string

const (
	// IsolationNamespaces runs the child in fresh user, network, ipc and uts
	// namespaces on Linux, on top of the rlimits.
	IsolationNamespaces Isolation = "namespaces"
	// IsolationRlimits applies kernel resource limits only; network access is
	// not blocked.
	IsolationRlimits Isolation = "rlimits"
)

// Limits bound one execution. Zero fields take the runner defaults.
type Limits struct {
	MemoryMB         int           `yaml:"memory_limit_mb"`
	CPUTime          time.Duration `yaml:"-"`
	WallClock        time.Duration `yaml:"-"`
	NetworkAllowed   bool          `yaml:"network_allowed"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	MaxFileSizeBytes int64         `yaml:"-"`
	MaxOpenFiles     int           `yaml:"max_open_files"`
	Isolation        Isolation     `yaml:"isolation"`
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MemoryMB:         128,
		CPUTime:          10 * time.Second,
		WallClock:        30 * time.Second,
		MaxOutputBytes:   64 << 10,
		MaxFileSizeBytes: 1 << 20,
		MaxOpenFiles:     64,
		Isolation:        IsolationNamespaces,
	}
}

// merge fills zero fields of l from def. NetworkAllowed is taken from l.
func (l Limits) merge(def Limits) Limits {
	if l.MemoryMB <= 0 {
		l.MemoryMB = def.MemoryMB
	}
	if l.CPUTime <= 0 {
		l.CPUTime = def.CPUTime
	}
	if l.WallClock <= 0 {
		l.WallClock = def.WallClock
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = def.MaxOutputBytes
	}
	if l.MaxFileSizeBytes <= 0 {
		l.MaxFileSizeBytes = def.MaxFileSizeBytes
	}
	if l.MaxOpenFiles <= 0 {
		l.MaxOpenFiles = def.MaxOpenFiles
	}
	if l.Isolation == "" {
		l.Isolation = def.Isolation
	}
	return l
}

func (l Limits) memoryBytes() int64 { return int64(l.MemoryMB) << 20 }

// ulimitScript sets every limit in the shell and then replaces itself with
// the interpreter, so the limits hold for the child and everything it forks.
// One limit per ulimit call keeps dash happy.
func (l Limits) ulimitScript() string {
	cpu := int64((l.CPUTime + time.Second - 1) / time.Second)
	// -f counts 512-byte blocks in POSIX shells
	blocks := (l.MaxFileSizeBytes + 511) / 512
	parts := []string{
		"ulimit -c 0",
		fmt.Sprintf("ulimit -t %d", cpu),
		fmt.Sprintf("ulimit -d %d", int64(l.MemoryMB)*1024),
		fmt.Sprintf("ulimit -f %d", blocks),
		fmt.Sprintf("ulimit -n %d", l.MaxOpenFiles),
		`exec "$@"`,
	}
	return strings.Join(parts, " && ")
}

// Interpreter describes how a language is run inside a scratch dir.
type Interpreter struct {
	// Command is the argv; the first element is resolved on the host PATH.
	Command []string
	// File is the name the artifact is written under.
	File string
	// Env returns language-specific variables for a scratch dir.
	Env func(scratch string) []string
}

// DefaultInterpreters is the per-language interpreter table.
func DefaultInterpreters() map[string]Interpreter {
	return map[string]Interpreter{
		"python": {
			Command: []string{"python3", "-I", "-B", "main.py"},
			File:    "main.py",
		},
		"shell": {
			Command: []string{"/bin/sh", "main.sh"},
			File:    "main.sh",
		},
		"go": {
			Command: []string{"go", "run", "main.go"},
			File:    "main.go",
			Env: func(scratch string) []string {
				return []string{
					"GOCACHE=" + filepath.Join(scratch, ".gocache"),
					"GOPATH=" + filepath.Join(scratch, ".gopath"),
					"GOTOOLCHAIN=local",
					"GOFLAGS=",
					"CGO_ENABLED=0",
				}
			},
		},
	}
}

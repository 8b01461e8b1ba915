package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"cmdforge/internal/safeio"
	"cmdforge/internal/types"
)

// Resource names reported in ExecutionResult.ResourceExceeded.
const (
	ResourceMemory   = "memory"
	ResourceCPU      = "cpu"
	ResourceFileSize = "file_size"
)

const (
	// waitDelay bounds how long Wait keeps copying output after the child
	// exits while a stray grandchild still holds the pipe.
	waitDelay    = time.Second
	pollInterval = 25 * time.Millisecond
)

type Options struct {
	Limits        Limits
	ScratchRoot   string
	MaxConcurrent int
	Interpreters  map[string]Interpreter
	Logger        *log.Logger
}

// Runner executes artifacts in resource-capped child processes. It keeps no
// state between runs apart from the concurrency semaphore.
type Runner struct {
	limits       Limits
	root         *safeio.Root
	sem          *semaphore.Weighted
	interpreters map[string]Interpreter
	log          *log.Logger
	warnOnce     sync.Once
}

func New(opts Options) (*Runner, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Interpreters == nil {
		opts.Interpreters = DefaultInterpreters()
	}
	root, err := safeio.NewRoot(opts.ScratchRoot)
	if err != nil {
		return nil, fmt.Errorf("sandbox scratch root: %w", err)
	}
	return &Runner{
		limits:       opts.Limits.merge(DefaultLimits()),
		root:         root,
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		interpreters: opts.Interpreters,
		log:          opts.Logger,
	}, nil
}

// Limits returns the runner defaults.
func (r *Runner) Limits() Limits { return r.limits }

// Supports reports whether language has an interpreter entry.
func (r *Runner) Supports(language string) bool {
	_, ok := r.interpreters[language]
	return ok
}

// Execute runs source once under limits. The returned error is reserved for
// infrastructure faults; every outcome of the program itself, including
// timeouts and resource kills, is described by the result.
func (r *Runner) Execute(ctx context.Context, source, language string, limits Limits) (types.ExecutionResult, error) {
	limits = limits.merge(r.limits)
	interp, ok := r.interpreters[language]
	if !ok || len(interp.Command) == 0 {
		return types.ExecutionResult{}, types.NewInternalError("sandbox interpreter", fmt.Errorf("no interpreter for %q", language))
	}
	bin, err := exec.LookPath(interp.Command[0])
	if err != nil {
		return types.ExecutionResult{}, types.NewInternalError("sandbox interpreter", err)
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return types.ExecutionResult{Cancelled: true}, nil
	}
	defer r.sem.Release(1)

	scratch, err := r.root.NewScratch(language)
	if err != nil {
		return types.ExecutionResult{}, types.NewInternalError("sandbox scratch", err)
	}
	defer func() {
		if err := scratch.Cleanup(); err != nil {
			r.log.Printf("sandbox: cleanup %s: %v", scratch.Dir, err)
		}
	}()
	if _, err := scratch.WriteFile(interp.File, []byte(source)); err != nil {
		return types.ExecutionResult{}, types.NewInternalError("sandbox write", err)
	}

	if limits.Isolation == IsolationRlimits && !limits.NetworkAllowed {
		r.warnOnce.Do(func() {
			r.log.Printf("sandbox: isolation=%s, network isolation not enforced", limits.Isolation)
		})
	}

	argv := append([]string{"-c", limits.ulimitScript(), "sandbox", bin}, interp.Command[1:]...)
	cmd := exec.Command("/bin/sh", argv...)
	cmd.Dir = scratch.Dir
	cmd.Env = childEnv(scratch.Dir, interp)
	cmd.SysProcAttr = sysProcAttr(limits)
	cmd.WaitDelay = waitDelay
	stdout := newCappedWriter(limits.MaxOutputBytes)
	stderr := newCappedWriter(limits.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.log.Printf("sandbox: spawn %s (%s): %v", language, limits.Isolation, err)
		return types.ExecutionResult{}, types.NewInternalError("sandbox spawn", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	wall := time.NewTimer(limits.WallClock)
	defer wall.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	var (
		res       types.ExecutionResult
		waitErr   error
		memKilled bool
		peak      int64
	)
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ctx.Done():
			res.Cancelled = true
			killGroup(cmd)
			waitErr = <-done
			break loop
		case <-wall.C:
			res.TimedOut = true
			killGroup(cmd)
			waitErr = <-done
			break loop
		case <-poll.C:
			rss, ok := groupRSS(cmd.Process.Pid)
			if !ok {
				continue
			}
			peak = max(peak, rss)
			if rss > limits.memoryBytes() {
				memKilled = true
				killGroup(cmd)
				waitErr = <-done
				break loop
			}
		}
	}
	// reap anything the child left running in its group
	killGroup(cmd)
	res.WallTime = time.Since(start)

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return types.ExecutionResult{}, types.NewInternalError("sandbox wait", waitErr)
		}
	}

	usage := usageOf(cmd.ProcessState)
	res.CPUTime = usage.cpu
	res.PeakMemoryBytes = max(peak, usage.maxRSS)
	res.ExitStatus, res.Signal = exitStatus(cmd.ProcessState)
	res.Stdout, res.StdoutTruncated = stdout.String(), stdout.Truncated()
	res.Stderr, res.StderrTruncated = stderr.String(), stderr.Truncated()
	if !res.TimedOut && !res.Cancelled {
		res.ResourceExceeded = classify(res, limits, memKilled)
		// CPU time is a time ceiling like the wall clock: a spinning
		// program reports as timed out whichever of the two fired first.
		res.TimedOut = res.ResourceExceeded == ResourceCPU
	}
	return res, nil
}

func childEnv(scratch string, interp Interpreter) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=C.UTF-8",
	}
	if interp.Env != nil {
		env = append(env, interp.Env(scratch)...)
	}
	return env
}

var memoryMarkers = []string{"MemoryError", "Cannot allocate memory", "out of memory"}

// classify names the limit that ended the run, or "" when none did.
func classify(res types.ExecutionResult, limits Limits, memKilled bool) string {
	switch {
	case memKilled:
		return ResourceMemory
	case res.Signal == "SIGXCPU":
		return ResourceCPU
	case res.Signal == "SIGXFSZ":
		return ResourceFileSize
	case res.Signal == "SIGKILL" && res.CPUTime >= limits.CPUTime:
		return ResourceCPU
	}
	if res.ExitStatus != 0 {
		for _, m := range memoryMarkers {
			if strings.Contains(res.Stderr, m) {
				return ResourceMemory
			}
		}
		if res.PeakMemoryBytes >= limits.memoryBytes() {
			return ResourceMemory
		}
	}
	return ""
}

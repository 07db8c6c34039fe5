// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/cordon-systems/cordon/lib/clock"
	"github.com/cordon-systems/cordon/policy"
)

const (
	// killGracePeriod is how long a process gets between SIGTERM and
	// SIGKILL, for both timeout escalation and Cleanup.
	killGracePeriod = 5 * time.Second

	// resourceCheckInterval is how often a running child's resource
	// usage is sampled from /proc.
	resourceCheckInterval = time.Second

	// stderrCapDivisor: stderr is capped at MaxOutputBytes divided by
	// this. Error streams are expected to be much smaller than stdout.
	stderrCapDivisor = 10

	// nobodyUID and nobodyGID are the unprivileged identity the child
	// is dropped to when the executor itself runs as root.
	nobodyUID = 65534
	nobodyGID = 65534
)

// Config configures a new Executor.
type Config struct {
	// Policy is the execution policy. Defaults to policy.Default().
	// The executor keeps its own copy with the sandbox root appended
	// to the allowed base paths, so the caller's Policy is never
	// mutated.
	Policy *policy.Policy

	// Root is the parent directory for the instance's sandbox tree.
	// Defaults to os.TempDir(). When the executor runs as root,
	// children execute as the nobody user and Root (and everything
	// above it) must be traversable by that identity; the sandbox
	// tree itself is chowned automatically.
	Root string

	// Logger for executor operations. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives the termination timers and the resource sampler.
	// Defaults to clock.Real().
	Clock clock.Clock

	// Events receives lifecycle events. Optional.
	Events EventSink

	// AllowedEnv names additional environment variables passed
	// through to children beyond the built-in allow-list.
	AllowedEnv []string

	// GracePeriod is how long a terminated process gets between
	// SIGTERM and SIGKILL. Defaults to killGracePeriod (5s).
	GracePeriod time.Duration
}

// Request describes one command execution. Immutable once passed to
// Execute.
type Request struct {
	Command   string
	Arguments []string

	// Dir is an optional working directory relative to the sandbox's
	// work/ tree. Absolute paths and traversal are rejected.
	Dir string

	// Env holds per-request environment overrides, applied after the
	// allow-list and sandbox overrides.
	Env map[string]string

	// Timeout overrides the policy's MaxCPUSeconds budget when
	// positive.
	Timeout time.Duration
}

// Result is the outcome of a completed execution. A Result is only
// produced for processes that ran to exit without breaching a limit;
// limit breaches surface as *ResourceExhaustedError instead.
type Result struct {
	// ExitCode is the process exit status. Success is ExitCode == 0.
	ExitCode int
	Success  bool

	// Stdout and Stderr are the captured streams, each within its
	// byte cap.
	Stdout string
	Stderr string

	// StdoutDigest is the BLAKE3 hash (hex) of the captured stdout,
	// recorded so audit consumers can correlate output without
	// storing it.
	StdoutDigest string

	// Duration is the wall-clock execution time.
	Duration time.Duration

	// PID of the completed process.
	PID int
}

// Stats are the executor's monotonic observability counters. They grow
// until ResetStats.
type Stats struct {
	TotalExecuted        int64
	SuccessfulExecutions int64
	FailedExecutions     int64
	SecurityViolations   int64
	ResourceViolations   int64
}

// Executor validates, launches, and supervises sandboxed commands. One
// Executor owns one sandbox directory; instances are safe for
// concurrent use, with each Execute call running an independent
// process.
type Executor struct {
	policy     *policy.Policy
	sandbox    *SandboxDir
	logger     *slog.Logger
	clk        clock.Clock
	events     EventSink
	allowedEnv []string
	grace      time.Duration

	mu      sync.Mutex
	active  map[int]*os.Process
	stats   Stats
	cleaned bool
}

// New creates an Executor and its sandbox directory tree.
func New(config Config) (*Executor, error) {
	pol := config.Policy
	if pol == nil {
		pol = policy.Default()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	grace := config.GracePeriod
	if grace <= 0 {
		grace = killGracePeriod
	}

	sandbox, err := newSandboxDir(config.Root)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox directory: %w", err)
	}

	// Instance copy of the policy with the sandbox root allowed, so
	// commands may reference their own sandbox paths. The caller's
	// Policy value stays untouched.
	instancePolicy := *pol
	instancePolicy.AllowedBasePaths = append(
		append([]string(nil), pol.AllowedBasePaths...), sandbox.Root)

	return &Executor{
		policy:     &instancePolicy,
		sandbox:    sandbox,
		logger:     logger,
		clk:        clk,
		events:     config.Events,
		allowedEnv: config.AllowedEnv,
		grace:      grace,
		active:     make(map[int]*os.Process),
	}, nil
}

// Sandbox returns the executor's sandbox directory tree.
func (e *Executor) Sandbox() *SandboxDir { return e.sandbox }

// Execute validates the request, runs the command inside the sandbox,
// and returns its Result. It fails with *policy.Violation when
// validation rejects the request (no process is spawned), with
// *ResourceExhaustedError when the process is terminated for breaching
// the output or time bounds, and with *CommandError when the process
// cannot be started or fails for unrelated reasons.
func (e *Executor) Execute(ctx context.Context, request Request) (*Result, error) {
	e.mu.Lock()
	if e.cleaned {
		e.mu.Unlock()
		return nil, &CommandError{Command: request.Command, Err: errors.New("executor has been cleaned up")}
	}
	e.mu.Unlock()

	if err := e.policy.Validate(request.Command, request.Arguments); err != nil {
		e.mu.Lock()
		e.stats.SecurityViolations++
		e.mu.Unlock()

		var violation *policy.Violation
		rule := ""
		if errors.As(err, &violation) {
			rule = string(violation.Rule)
		}
		e.emit(Event{
			Kind:      EventSecurityViolation,
			Time:      e.clk.Now(),
			Command:   request.Command,
			Arguments: request.Arguments,
			Rule:      rule,
			Detail:    err.Error(),
		})
		e.logger.Warn("command rejected by policy",
			"command", request.Command,
			"rule", rule,
		)
		return nil, err
	}

	workDir, err := e.resolveWorkDir(request.Dir)
	if err != nil {
		return nil, &CommandError{Command: request.Command, Err: err}
	}

	return e.run(ctx, request, workDir)
}

// resolveWorkDir maps the request's Dir onto the sandbox work/ tree.
func (e *Executor) resolveWorkDir(dir string) (string, error) {
	if dir == "" {
		return e.sandbox.Work, nil
	}
	if filepath.IsAbs(dir) || strings.Contains(dir, "..") {
		return "", fmt.Errorf("working directory %q must be a traversal-free path relative to the sandbox", dir)
	}
	resolved := filepath.Join(e.sandbox.Work, dir)
	if err := os.MkdirAll(resolved, 0o700); err != nil {
		return "", fmt.Errorf("creating working directory: %w", err)
	}
	return resolved, nil
}

// run launches and supervises the validated command.
func (e *Executor) run(ctx context.Context, request Request, workDir string) (*Result, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = time.Duration(e.policy.Limits.MaxCPUSeconds) * time.Second
	}
	stdoutCap := e.policy.Limits.MaxOutputBytes
	stderrCap := stdoutCap / stderrCapDivisor

	cmd := exec.CommandContext(ctx, request.Command, request.Arguments...)
	cmd.Dir = workDir
	cmd.Env = buildEnvironment(e.sandbox, e.allowedEnv, request.Env)

	// New process group so the whole subtree can be signaled together.
	// When running as root, drop the child to an unprivileged identity;
	// on hosts where the executor is already unprivileged this is a
	// no-op.
	attributes := &syscall.SysProcAttr{Setpgid: true}
	if os.Geteuid() == 0 {
		attributes.Credential = &syscall.Credential{Uid: nobodyUID, Gid: nobodyGID}
	}
	cmd.SysProcAttr = attributes

	// Context cancellation kills the whole group immediately. The
	// executor's own limit enforcement goes through forceTerminate
	// and escalates gracefully; an abandoned context has no one left
	// to wait out a grace period.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &CommandError{Command: request.Command, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &CommandError{Command: request.Command, Err: err}
	}

	startTime := e.clk.Now()
	if err := cmd.Start(); err != nil {
		e.mu.Lock()
		e.stats.TotalExecuted++
		e.stats.FailedExecutions++
		e.mu.Unlock()
		return nil, &CommandError{Command: request.Command, Err: err}
	}
	pid := cmd.Process.Pid

	e.mu.Lock()
	e.active[pid] = cmd.Process
	e.mu.Unlock()

	e.applyResourceLimits(pid)

	e.emit(Event{
		Kind:      EventStart,
		Time:      startTime,
		Command:   request.Command,
		Arguments: request.Arguments,
		PID:       pid,
	})
	e.logger.Info("command launched",
		"command", request.Command,
		"pid", pid,
		"timeout", timeout,
	)

	// Escalating termination, shared by the timeout and output-cap
	// paths: SIGTERM the group once, SIGKILL a grace period later if
	// it is still alive.
	var terminateOnce sync.Once
	var killTimerMu sync.Mutex
	var killTimer *clock.Timer
	var limitBreached atomic.Value // LimitKind
	forceTerminate := func(kind LimitKind) {
		terminateOnce.Do(func() {
			limitBreached.Store(kind)
			signalGroup(pid, syscall.SIGTERM)
			killTimerMu.Lock()
			killTimer = e.clk.AfterFunc(e.grace, func() {
				signalGroup(pid, syscall.SIGKILL)
			})
			killTimerMu.Unlock()
		})
	}

	timeoutTimer := e.clk.AfterFunc(timeout, func() {
		e.logger.Warn("execution time budget elapsed", "pid", pid, "timeout", timeout)
		forceTerminate(LimitTimeout)
	})

	// Best-effort resource sampling while the process runs.
	samplerDone := make(chan struct{})
	go e.sampleResources(pid, samplerDone)

	// Capped capture. Overflow triggers termination but draining
	// continues so the child never blocks on a full pipe.
	var captureGroup sync.WaitGroup
	var stdout, stderr []byte
	captureGroup.Add(2)
	go func() {
		defer captureGroup.Done()
		stdout = drainCapped(stdoutPipe, stdoutCap, func() {
			e.logger.Warn("stdout cap exceeded", "pid", pid, "cap", stdoutCap)
			forceTerminate(LimitOutput)
		})
	}()
	go func() {
		defer captureGroup.Done()
		stderr = drainCapped(stderrPipe, stderrCap, func() {
			e.logger.Warn("stderr cap exceeded", "pid", pid, "cap", stderrCap)
			forceTerminate(LimitOutput)
		})
	}()

	captureGroup.Wait()
	waitErr := cmd.Wait()
	duration := e.clk.Now().Sub(startTime)

	// Tear down monitoring: cancel timers so nothing fires after exit.
	timeoutTimer.Stop()
	killTimerMu.Lock()
	if killTimer != nil {
		killTimer.Stop()
	}
	killTimerMu.Unlock()
	close(samplerDone)

	e.mu.Lock()
	delete(e.active, pid)
	e.stats.TotalExecuted++
	e.mu.Unlock()

	return e.classify(request, pid, stdout, stderr, duration, waitErr, limitBreached.Load(), ctx)
}

// classify turns the process exit status into a Result or a typed
// failure. A breached limit or a death by SIGTERM/SIGKILL is resource
// exhaustion, never a misleading "success with funny exit code".
func (e *Executor) classify(request Request, pid int, stdout, stderr []byte, duration time.Duration, waitErr error, breached any, ctx context.Context) (*Result, error) {
	// A breached limit wins over whatever the exit status says. A
	// process that overflowed its output cap may still exit on its own
	// before the SIGTERM lands, and a truncated capture must never be
	// reported as a successful Result.
	if kind, ok := breached.(LimitKind); ok {
		return nil, e.resourceExhausted(request, pid, kind,
			fmt.Sprintf("process %d terminated for %s after %s", pid, kind, duration), duration)
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		// Exit code 0.
	case errors.As(waitErr, &exitErr):
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			signal := status.Signal()
			if signal == syscall.SIGTERM || signal == syscall.SIGKILL {
				if ctx.Err() != nil {
					// The caller abandoned the execution; report
					// the cancellation, not a limit breach.
					e.recordFailure()
					return nil, &CommandError{Command: request.Command, Err: ctx.Err()}
				}
				// Terminated from outside the executor's own limit
				// enforcement (Cleanup, or an external signal).
				return nil, e.resourceExhausted(request, pid, LimitTerminated,
					fmt.Sprintf("process %d terminated by %s after %s", pid, signal, duration), duration)
			}
			// Killed by an unrelated signal (SIGSEGV, SIGBUS, ...).
			e.recordFailure()
			return nil, &CommandError{Command: request.Command, Err: waitErr}
		}
		// Normal exit with a non-zero code: a legitimate Result.
	default:
		e.recordFailure()
		return nil, &CommandError{Command: request.Command, Err: waitErr}
	}

	exitCode := 0
	if exitErr != nil {
		exitCode = exitErr.ExitCode()
	}

	digest := blake3.Sum256(stdout)
	result := &Result{
		ExitCode:     exitCode,
		Success:      exitCode == 0,
		Stdout:       string(stdout),
		Stderr:       string(stderr),
		StdoutDigest: hex.EncodeToString(digest[:]),
		Duration:     duration,
		PID:          pid,
	}

	e.mu.Lock()
	if result.Success {
		e.stats.SuccessfulExecutions++
	} else {
		e.stats.FailedExecutions++
	}
	e.mu.Unlock()

	e.emit(Event{
		Kind:      EventComplete,
		Time:      e.clk.Now(),
		Command:   request.Command,
		Arguments: request.Arguments,
		PID:       pid,
		ExitCode:  exitCode,
		Duration:  duration,
	})
	e.logger.Info("command completed",
		"command", request.Command,
		"pid", pid,
		"exit_code", exitCode,
		"duration", duration,
	)
	return result, nil
}

func (e *Executor) recordFailure() {
	e.mu.Lock()
	e.stats.FailedExecutions++
	e.mu.Unlock()
}

// resourceExhausted records a limit breach in the counters, emits the
// matching event, and builds the error returned to the caller.
func (e *Executor) resourceExhausted(request Request, pid int, kind LimitKind, detail string, duration time.Duration) *ResourceExhaustedError {
	e.mu.Lock()
	e.stats.ResourceViolations++
	e.stats.FailedExecutions++
	e.mu.Unlock()
	resourceErr := &ResourceExhaustedError{Kind: kind, Detail: detail, PID: pid}
	e.emit(Event{
		Kind:      EventResourceLimit,
		Time:      e.clk.Now(),
		Command:   request.Command,
		Arguments: request.Arguments,
		PID:       pid,
		Rule:      string(kind),
		Detail:    detail,
		Duration:  duration,
	})
	return resourceErr
}

// applyResourceLimits applies best-effort rlimits to the started
// process. Failures only disable that limit, never the execution.
func (e *Executor) applyResourceLimits(pid int) {
	limits := e.policy.Limits
	apply := func(resource int, value uint64, name string) {
		if value == 0 {
			return
		}
		limit := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &limit, nil); err != nil {
			e.logger.Debug("prlimit not applied", "limit", name, "pid", pid, "error", err)
		}
	}
	apply(unix.RLIMIT_NOFILE, limits.MaxOpenFiles, "nofile")
	apply(unix.RLIMIT_NPROC, limits.MaxChildProcesses, "nproc")
	if limits.MaxCPUSeconds > 0 {
		apply(unix.RLIMIT_CPU, uint64(limits.MaxCPUSeconds), "cpu")
	}
	if limits.MaxMemoryMB > 0 {
		apply(unix.RLIMIT_AS, uint64(limits.MaxMemoryMB)<<20, "as")
	}
}

// sampleResources reads /proc/<pid>/status once per interval while the
// process runs. Missing data (process already gone, /proc unavailable)
// skips the sample; it never affects the execution.
func (e *Executor) sampleResources(pid int, done <-chan struct{}) {
	ticker := e.clk.NewTicker(resourceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			residentKB, ok := readResidentMemoryKB(pid)
			if !ok {
				continue
			}
			e.logger.Debug("resource sample", "pid", pid, "rss_kb", residentKB)
			if limit := e.policy.Limits.MaxMemoryMB; limit > 0 && residentKB > limit*1024 {
				e.logger.Warn("process exceeds memory limit",
					"pid", pid,
					"rss_kb", residentKB,
					"limit_mb", limit,
				)
			}
		}
	}
}

// readResidentMemoryKB parses VmRSS from /proc/<pid>/status.
func readResidentMemoryKB(pid int) (int64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		var valueKB int64
		if _, err := fmt.Sscanf(fields[1], "%d", &valueKB); err != nil {
			return 0, false
		}
		return valueKB, true
	}
	return 0, false
}

// drainCapped copies the stream into memory up to limit bytes. The
// first byte beyond the limit invokes onOverflow (exactly once) and
// capture stops, but the reader is drained to EOF so the child never
// blocks on pipe backpressure.
func drainCapped(reader io.Reader, limit int64, onOverflow func()) []byte {
	var buffer bytes.Buffer
	chunk := make([]byte, 32*1024)
	overflowed := false

	for {
		n, err := reader.Read(chunk)
		if n > 0 && !overflowed {
			remaining := limit - int64(buffer.Len())
			if int64(n) > remaining {
				buffer.Write(chunk[:remaining])
				overflowed = true
				onOverflow()
			} else {
				buffer.Write(chunk[:n])
			}
		}
		if err != nil {
			return buffer.Bytes()
		}
	}
}

// signalGroup sends sig to the process group. ESRCH (group already
// gone) is harmless and ignored.
func signalGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}

func (e *Executor) emit(event Event) {
	if e.events != nil {
		e.events(event)
	}
}

// Stats returns a copy of the current counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetStats zeroes all counters.
func (e *Executor) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Stats{}
}

// Cleanup terminates every still-tracked process (SIGTERM, bounded
// wait, then SIGKILL) and removes the sandbox directory. It is
// idempotent, safe to call when nothing ever ran, and never returns an
// error — teardown is frequently called from already-failing paths, so
// internal errors are logged instead of propagated.
func (e *Executor) Cleanup() {
	e.mu.Lock()
	if e.cleaned {
		e.mu.Unlock()
		return
	}
	e.cleaned = true
	pids := make([]int, 0, len(e.active))
	for pid := range e.active {
		pids = append(pids, pid)
	}
	e.mu.Unlock()

	for _, pid := range pids {
		signalGroup(pid, syscall.SIGTERM)
	}

	if len(pids) > 0 {
		// The wait is for OS process teardown, which advances on the
		// wall clock regardless of the injected clock, so the poll
		// deliberately uses real time.
		deadline := time.Now().Add(e.grace)
		for time.Now().Before(deadline) {
			if !anyAlive(pids) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		for _, pid := range pids {
			if processAlive(pid) {
				e.logger.Warn("process survived SIGTERM grace period, killing", "pid", pid)
				signalGroup(pid, syscall.SIGKILL)
			}
		}
	}

	if err := e.sandbox.remove(); err != nil {
		e.logger.Error("sandbox removal failed", "error", err)
	}
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if processAlive(pid) {
			return true
		}
	}
	return false
}

// processAlive reports whether the process group still exists, using
// signal 0 (no signal is delivered, only the existence check runs).
func processAlive(pid int) bool {
	return syscall.Kill(-pid, 0) == nil
}

// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cordon-systems/cordon/lib/clock"
	"github.com/cordon-systems/cordon/policy"
)

// testRoot returns a temp directory usable as a sandbox parent even
// when the test runs as root: children then execute as nobody and
// need execute permission on every path component above the sandbox.
func testRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if os.Geteuid() == 0 {
		prefix := os.TempDir() + string(os.PathSeparator)
		for dir := root; strings.HasPrefix(dir, prefix); dir = filepath.Dir(dir) {
			if err := os.Chmod(dir, 0o711); err != nil {
				t.Fatal(err)
			}
		}
	}
	return root
}

// testExecutor builds an executor rooted in the test's temporary
// directory with a short SIGTERM→SIGKILL grace period.
func testExecutor(t *testing.T, pol *policy.Policy) *Executor {
	t.Helper()
	if pol == nil {
		pol = policy.Default()
	}
	exe, err := New(Config{
		Policy:      pol,
		Root:        testRoot(t),
		GracePeriod: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(exe.Cleanup)
	return exe
}

// permissivePolicy has no deny-lists so tests can run shell one-liners
// containing metacharacters.
func permissivePolicy() *policy.Policy {
	return &policy.Policy{
		Limits: policy.ResourceLimits{
			MaxCPUSeconds:  30,
			MaxOutputBytes: policy.DefaultMaxOutputBytes,
		},
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	exe := testExecutor(t, nil)

	result, err := exe.Execute(context.Background(), Request{
		Command:   "echo",
		Arguments: []string{"hello", "sandbox"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if !result.Success || result.ExitCode != 0 {
		t.Errorf("result = success %v exit %d, want success 0", result.Success, result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello sandbox" {
		t.Errorf("stdout = %q, want %q", got, "hello sandbox")
	}
	if result.StdoutDigest == "" {
		t.Error("stdout digest should be recorded")
	}
	if result.PID == 0 {
		t.Error("result should carry the process id")
	}
	if result.Duration < 0 {
		t.Errorf("duration = %v, want >= 0", result.Duration)
	}
}

func TestExecuteShellArithmetic(t *testing.T) {
	exe := testExecutor(t, permissivePolicy())

	result, err := exe.Execute(context.Background(), Request{
		Command:   "sh",
		Arguments: []string{"-c", "echo $((1+1))"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "2") {
		t.Errorf("stdout = %q, want it to contain 2", result.Stdout)
	}
}

func TestExecuteBlockedCommand(t *testing.T) {
	exe := testExecutor(t, nil)

	_, err := exe.Execute(context.Background(), Request{
		Command:   "rm",
		Arguments: []string{"-rf", "/"},
	})

	var violation *policy.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected *policy.Violation, got %T: %v", err, err)
	}
	if violation.Rule != policy.RuleBlockedCommand {
		t.Errorf("rule = %s, want %s", violation.Rule, policy.RuleBlockedCommand)
	}

	stats := exe.Stats()
	if stats.SecurityViolations != 1 {
		t.Errorf("SecurityViolations = %d, want 1", stats.SecurityViolations)
	}
	if stats.TotalExecuted != 0 {
		t.Errorf("TotalExecuted = %d, want 0 (no process spawned)", stats.TotalExecuted)
	}
}

func TestExecuteNonZeroExitIsAResult(t *testing.T) {
	exe := testExecutor(t, permissivePolicy())

	result, err := exe.Execute(context.Background(), Request{
		Command:   "sh",
		Arguments: []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("non-zero exit should produce a Result, got error %v", err)
	}
	if result.ExitCode != 3 || result.Success {
		t.Errorf("result = exit %d success %v, want exit 3, not success", result.ExitCode, result.Success)
	}
}

func TestExecuteCommandNotFound(t *testing.T) {
	exe := testExecutor(t, nil)

	_, err := exe.Execute(context.Background(), Request{
		Command: "cordon-no-such-binary",
	})

	var commandErr *CommandError
	if !errors.As(err, &commandErr) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}

	stats := exe.Stats()
	if stats.FailedExecutions != 1 {
		t.Errorf("FailedExecutions = %d, want 1", stats.FailedExecutions)
	}
}

func TestExecuteOutputCapTerminates(t *testing.T) {
	pol := permissivePolicy()
	pol.Limits.MaxOutputBytes = 4096
	exe := testExecutor(t, pol)

	_, err := exe.Execute(context.Background(), Request{
		Command:   "sh",
		Arguments: []string{"-c", "while true; do echo xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx; done"},
		Timeout:   30 * time.Second,
	})

	var resourceErr *ResourceExhaustedError
	if !errors.As(err, &resourceErr) {
		t.Fatalf("expected *ResourceExhaustedError, got %T: %v", err, err)
	}
	if resourceErr.Kind != LimitOutput {
		t.Errorf("kind = %s, want %s", resourceErr.Kind, LimitOutput)
	}

	stats := exe.Stats()
	if stats.ResourceViolations != 1 {
		t.Errorf("ResourceViolations = %d, want 1", stats.ResourceViolations)
	}
}

func TestExecuteOutputCapOnFastExit(t *testing.T) {
	pol := permissivePolicy()
	pol.Limits.MaxOutputBytes = 1024
	exe := testExecutor(t, pol)

	// One burst past the cap, then an immediate clean exit: the
	// process is usually gone before SIGTERM lands. The breach must
	// still be reported instead of a truncated success.
	result, err := exe.Execute(context.Background(), Request{
		Command:   "sh",
		Arguments: []string{"-c", "printf '%04096d' 7"},
		Timeout:   30 * time.Second,
	})
	if result != nil {
		t.Fatalf("got result success=%v with %d stdout bytes, want a limit error",
			result.Success, len(result.Stdout))
	}

	var resourceErr *ResourceExhaustedError
	if !errors.As(err, &resourceErr) {
		t.Fatalf("expected *ResourceExhaustedError, got %T: %v", err, err)
	}
	if resourceErr.Kind != LimitOutput {
		t.Errorf("kind = %s, want %s", resourceErr.Kind, LimitOutput)
	}

	stats := exe.Stats()
	if stats.ResourceViolations != 1 {
		t.Errorf("ResourceViolations = %d, want 1", stats.ResourceViolations)
	}
	if stats.SuccessfulExecutions != 0 {
		t.Errorf("SuccessfulExecutions = %d, want 0", stats.SuccessfulExecutions)
	}
}

func TestExecuteStderrCapIsAsymmetric(t *testing.T) {
	pol := permissivePolicy()
	pol.Limits.MaxOutputBytes = 100 * 1024
	exe := testExecutor(t, pol)

	// ~20 KB of stderr: far below the stdout cap, above the 10 KB
	// stderr cap.
	_, err := exe.Execute(context.Background(), Request{
		Command:   "sh",
		Arguments: []string{"-c", "i=0; while [ $i -lt 2000 ]; do echo 0123456789 1>&2; i=$((i+1)); done"},
		Timeout:   30 * time.Second,
	})

	var resourceErr *ResourceExhaustedError
	if !errors.As(err, &resourceErr) {
		t.Fatalf("expected *ResourceExhaustedError, got %T: %v", err, err)
	}
	if resourceErr.Kind != LimitOutput {
		t.Errorf("kind = %s, want %s", resourceErr.Kind, LimitOutput)
	}
}

func TestExecuteTimeoutEscalatesToKill(t *testing.T) {
	exe := testExecutor(t, permissivePolicy())

	// The shell ignores SIGTERM; only the SIGKILL escalation can end
	// it. The executor must not hang.
	start := time.Now()
	_, err := exe.Execute(context.Background(), Request{
		Command:   "sh",
		Arguments: []string{"-c", `trap "" TERM; while true; do sleep 0.1; done`},
		Timeout:   300 * time.Millisecond,
	})
	elapsed := time.Since(start)

	var resourceErr *ResourceExhaustedError
	if !errors.As(err, &resourceErr) {
		t.Fatalf("expected *ResourceExhaustedError, got %T: %v", err, err)
	}
	if resourceErr.Kind != LimitTimeout {
		t.Errorf("kind = %s, want %s", resourceErr.Kind, LimitTimeout)
	}
	if elapsed > 10*time.Second {
		t.Errorf("execution took %v, escalation should have ended it quickly", elapsed)
	}
}

func TestExecuteTimeoutCompliantProcess(t *testing.T) {
	exe := testExecutor(t, permissivePolicy())

	_, err := exe.Execute(context.Background(), Request{
		Command:   "sleep",
		Arguments: []string{"30"},
		Timeout:   200 * time.Millisecond,
	})

	var resourceErr *ResourceExhaustedError
	if !errors.As(err, &resourceErr) {
		t.Fatalf("expected *ResourceExhaustedError, got %T: %v", err, err)
	}
	if resourceErr.Kind != LimitTimeout {
		t.Errorf("kind = %s, want %s", resourceErr.Kind, LimitTimeout)
	}
}

func TestExecuteRunsInSandboxWorkDir(t *testing.T) {
	exe := testExecutor(t, nil)

	result, err := exe.Execute(context.Background(), Request{Command: "pwd"})
	if err != nil {
		t.Fatal(err)
	}

	got := strings.TrimSpace(result.Stdout)
	resolved, err := filepath.EvalSymlinks(exe.Sandbox().Work)
	if err != nil {
		t.Fatal(err)
	}
	if got != exe.Sandbox().Work && got != resolved {
		t.Errorf("pwd = %q, want sandbox work dir %q", got, exe.Sandbox().Work)
	}
}

func TestExecuteEnvironmentIsReduced(t *testing.T) {
	t.Setenv("CORDON_TEST_AMBIENT_SECRET", "leak-me")
	exe := testExecutor(t, nil)

	result, err := exe.Execute(context.Background(), Request{
		Command: "env",
		Env:     map[string]string{"REQUEST_VAR": "present"},
	})
	if err != nil {
		t.Fatal(err)
	}

	environment := result.Stdout
	if strings.Contains(environment, "CORDON_TEST_AMBIENT_SECRET") {
		t.Error("ambient secret leaked into the child environment")
	}
	if !strings.Contains(environment, "SANDBOX=true") {
		t.Error("SANDBOX=true missing from child environment")
	}
	if !strings.Contains(environment, "HOME="+exe.Sandbox().Root) {
		t.Error("HOME not redirected into the sandbox")
	}
	if !strings.Contains(environment, "TMPDIR="+exe.Sandbox().Tmp) {
		t.Error("TMPDIR not redirected into the sandbox")
	}
	if !strings.Contains(environment, "REQUEST_VAR=present") {
		t.Error("per-request override missing from child environment")
	}
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	pol := policy.Default()
	exe, err := New(Config{
		Policy: pol,
		Root:   testRoot(t),
		Events: func(event Event) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(exe.Cleanup)

	if _, err := exe.Execute(context.Background(), Request{Command: "true"}); err != nil {
		t.Fatal(err)
	}
	if _, err := exe.Execute(context.Background(), Request{Command: "sudo", Arguments: []string{"id"}}); err == nil {
		t.Fatal("sudo should be rejected")
	}

	mu.Lock()
	defer mu.Unlock()
	kinds := make([]EventKind, len(events))
	for i, event := range events {
		kinds[i] = event.Kind
	}
	want := []EventKind{EventStart, EventComplete, EventSecurityViolation}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestStatsAccumulateAndReset(t *testing.T) {
	exe := testExecutor(t, permissivePolicy())

	exe.Execute(context.Background(), Request{Command: "true"})
	exe.Execute(context.Background(), Request{Command: "false"})

	stats := exe.Stats()
	if stats.TotalExecuted != 2 {
		t.Errorf("TotalExecuted = %d, want 2", stats.TotalExecuted)
	}
	if stats.SuccessfulExecutions != 1 {
		t.Errorf("SuccessfulExecutions = %d, want 1", stats.SuccessfulExecutions)
	}
	if stats.FailedExecutions != 1 {
		t.Errorf("FailedExecutions = %d, want 1", stats.FailedExecutions)
	}

	exe.ResetStats()
	if exe.Stats() != (Stats{}) {
		t.Error("ResetStats should zero all counters")
	}
}

func TestCleanupIsIdempotentAndRemovesSandbox(t *testing.T) {
	exe := testExecutor(t, nil)
	root := exe.Sandbox().Root

	exe.Cleanup()
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("sandbox directory still exists after Cleanup: %v", err)
	}

	// Second call is a no-op, and Execute after Cleanup fails cleanly.
	exe.Cleanup()
	if _, err := exe.Execute(context.Background(), Request{Command: "true"}); err == nil {
		t.Error("Execute after Cleanup should fail")
	}
}

func TestSandboxOwnershipFollowsCredentialDrop(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("credentials are only dropped when running as root")
	}
	exe := testExecutor(t, nil)

	// The child runs as nobody, so the whole tree must be owned by
	// that identity or chdir into the work directory fails.
	sandbox := exe.Sandbox()
	for _, dir := range []string{sandbox.Root, sandbox.Work, sandbox.Tmp, sandbox.Output} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatal(err)
		}
		stat := info.Sys().(*syscall.Stat_t)
		if int(stat.Uid) != nobodyUID || int(stat.Gid) != nobodyGID {
			t.Errorf("%s owned by %d:%d, want %d:%d",
				dir, stat.Uid, stat.Gid, nobodyUID, nobodyGID)
		}
	}

	result, err := exe.Execute(context.Background(), Request{Command: "id", Arguments: []string{"-u"}})
	if err != nil {
		t.Fatalf("execution as the drop identity failed: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "65534" {
		t.Errorf("child uid = %q, want 65534", got)
	}
}

func TestSandboxDirectoriesAreUnique(t *testing.T) {
	parent := t.TempDir()
	first, err := New(Config{Root: parent})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(first.Cleanup)
	second, err := New(Config{Root: parent})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(second.Cleanup)

	if first.Sandbox().Root == second.Sandbox().Root {
		t.Error("two executor instances share a sandbox directory")
	}
}

func TestCleanupReturnsUnderFakeClock(t *testing.T) {
	started := make(chan struct{}, 1)
	exe, err := New(Config{
		Policy:      permissivePolicy(),
		Root:        testRoot(t),
		Clock:       clock.Fake(time.Now()),
		GracePeriod: 300 * time.Millisecond,
		Events: func(event Event) {
			if event.Kind == EventStart {
				select {
				case started <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(exe.Cleanup)

	// A TERM-ignoring child that only the SIGKILL escalation can end.
	// Cleanup's grace wait tracks OS teardown on the wall clock, so it
	// must return even though nothing advances the fake clock.
	executeDone := make(chan struct{})
	go func() {
		defer close(executeDone)
		exe.Execute(context.Background(), Request{
			Command:   "sh",
			Arguments: []string{"-c", `trap "" TERM; while true; do sleep 0.1; done`},
			Timeout:   time.Minute,
		})
	}()
	<-started

	cleanupDone := make(chan struct{})
	go func() {
		exe.Cleanup()
		close(cleanupDone)
	}()
	select {
	case <-cleanupDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Cleanup did not return under a fake clock")
	}
	<-executeDone
}

func TestRequestDirStaysInsideSandbox(t *testing.T) {
	exe := testExecutor(t, nil)

	for _, dir := range []string{"/etc", "../outside", "a/../../b"} {
		if _, err := exe.Execute(context.Background(), Request{Command: "pwd", Dir: dir}); err == nil {
			t.Errorf("Dir %q should be rejected", dir)
		}
	}

	result, err := exe.Execute(context.Background(), Request{Command: "pwd", Dir: "nested/step"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Stdout, filepath.Join("work", "nested", "step")) {
		t.Errorf("pwd = %q, want it under work/nested/step", result.Stdout)
	}
}

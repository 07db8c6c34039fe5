// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import "fmt"

// LimitKind identifies which resource bound forced a termination.
type LimitKind string

const (
	// LimitTimeout: the execution time budget elapsed.
	LimitTimeout LimitKind = "timeout"

	// LimitOutput: accumulated stdout or stderr exceeded its cap.
	LimitOutput LimitKind = "output-limit"

	// LimitTerminated: the process died from SIGTERM or SIGKILL sent
	// from outside the executor's own limit enforcement.
	LimitTerminated LimitKind = "terminated"
)

// ResourceExhaustedError reports that a process was forcibly terminated
// for exceeding a resource bound. It is never a "truncated success":
// when this error is returned, no Result is.
type ResourceExhaustedError struct {
	// Kind names the breached limit.
	Kind LimitKind

	// Detail is a human-readable description of the breach,
	// including the configured limit value.
	Detail string

	// PID is the terminated process, when it was started.
	PID int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted (%s): %s", e.Kind, e.Detail)
}

// CommandError reports that a process could not be started or failed
// for a reason unrelated to policy or resource limits (binary not
// found, fork failure, wait error).
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import "time"

// EventKind classifies an executor lifecycle event.
type EventKind string

const (
	// EventStart: a validated command was launched.
	EventStart EventKind = "exec.start"

	// EventComplete: a command exited and produced a Result.
	EventComplete EventKind = "exec.complete"

	// EventSecurityViolation: policy validation rejected a request
	// before any process was spawned.
	EventSecurityViolation EventKind = "exec.security_violation"

	// EventResourceLimit: a running command was terminated for
	// breaching a resource bound.
	EventResourceLimit EventKind = "exec.resource_limit"
)

// Event is a plain lifecycle record emitted by the executor. Events
// carry no behavior and no references into the executor, so a sink may
// retain them indefinitely (for example, by forwarding them to an
// audit trail).
type Event struct {
	Kind      EventKind
	Time      time.Time
	Command   string
	Arguments []string

	// PID is set for events about a launched process.
	PID int

	// ExitCode is set for EventComplete.
	ExitCode int

	// Rule is the violated policy rule for EventSecurityViolation,
	// or the limit kind for EventResourceLimit.
	Rule string

	// Detail is a human-readable elaboration.
	Detail string

	// Duration is set for terminal events.
	Duration time.Duration
}

// EventSink receives lifecycle events. Sinks are called synchronously
// from Execute's goroutine and must not block for long; a sink that
// persists events should enqueue and return.
type EventSink func(Event)

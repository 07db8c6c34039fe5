// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs externally supplied commands in a constrained,
// policy-checked environment.
//
// The central type is [Executor]. Each instance owns one sandbox
// directory tree (work/, tmp/, output/) created at construction and
// removed by Cleanup. Execute validates the request against the
// instance's [policy.Policy] before any process is spawned, builds a
// reduced environment (allow-listed variables plus sandbox overrides),
// launches the command in its own process group, and monitors it:
// accumulated output beyond the configured caps or an elapsed time
// budget triggers SIGTERM, escalating to SIGKILL after a grace period.
//
// The executor applies best-effort process-level limits only (prlimit,
// credential drop when running as root). It does not implement
// namespace or cgroup isolation — callers needing stronger containment
// wrap it in an external containment layer.
//
// Lifecycle events (start, completion, violations, forced termination)
// are emitted as plain [Event] values through an [EventSink]. The
// executor has no dependency on the audit logger; the caller forwards
// events to whatever trail it maintains.
package executor

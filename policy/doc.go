// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether a command and its arguments are
// permitted to run. Validation is pure — no I/O, no process state — so
// the same inputs always produce the same decision.
//
// A [Policy] carries three kinds of security limits: an exact-match
// deny-list of command names, a set of deny-patterns matched against
// the full command line (shell metacharacters, path traversal, raw
// device and system paths), and an allow-list of base paths that bound
// every absolute-path argument. Rejections are reported as a
// [*Violation] naming the violated rule, so callers can log precisely
// why a command was refused before any process is spawned.
//
// The Policy also carries the resource and network limits that the
// executor package enforces at run time; they are plain data here.
package policy

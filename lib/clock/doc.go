// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and drive time forward deterministically
// with Advance. The audit logger's rotation ticker and the executor's
// escalating termination timers are the primary consumers.
package clock

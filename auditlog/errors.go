// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import "fmt"

// IOError wraps a filesystem failure with the operation and path that
// produced it, so callers can distinguish disk trouble from crypto or
// encoding failures.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ErrClosed is returned by Log after Close has been called.
var ErrClosed = fmt.Errorf("audit logger is closed")

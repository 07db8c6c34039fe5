// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds small helpers shared by Cordon binary
// entrypoints.
package process

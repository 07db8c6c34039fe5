// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive material
// such as the audit master key and keys derived from it.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the region lives
// outside the Go heap, the garbage collector never copies or relocates
// it, so zeroing on Close is authoritative.
package secret

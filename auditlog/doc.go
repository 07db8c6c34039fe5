// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package auditlog durably records structured events as a
// tamper-evident, encrypted audit trail.
//
// Each submitted [Event] passes through a fixed pipeline: normalize
// defaults, encode (JSON or canonical CBOR), optionally compress (zstd
// or lz4 above a size threshold), encrypt with an authenticated cipher
// (AES-256-GCM under a PBKDF2-derived per-event key, falling back to
// AES-256-CBC if the authenticated mode cannot be constructed), and
// finally compute an HMAC-SHA256 integrity tag over the envelope with
// a key derived separately from the master key. The resulting record
// is appended to the active log file by a single writer goroutine fed
// from a bounded channel, which serializes concurrent callers and
// guarantees submission-order persistence.
//
// Log files are newline-delimited JSON: a header object on the first
// line, one encrypted record per subsequent line. Files rotate when
// the active file would exceed its size threshold (checked both on
// every append and by a periodic timer), and old files beyond the
// retention count are pruned oldest-first.
//
// The read path ([Read]) verifies each record's integrity tag in
// constant time, decrypts along the path recorded in the envelope,
// decompresses, and decodes. A corrupt line is skipped and reported —
// it never aborts the rest of the file.
package auditlog

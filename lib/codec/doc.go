// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides canonical CBOR encoding for audit event
// payloads. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. The same logical event always produces
// identical bytes, which matters because the encrypted payload is
// covered by the envelope's integrity tag.
package codec

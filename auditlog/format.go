// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"strconv"
	"strings"
	"time"
)

// Payload codec identifiers. The codec is a per-file property,
// declared in the header, so every record in a file decodes the same
// way.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// fileVersion is the current on-disk format version.
const fileVersion = 1

// fileSuffix is the extension of every audit log file.
const fileSuffix = ".audit"

// FileHeader is the first line of every audit file: a plaintext JSON
// object describing how the records that follow were produced.
type FileHeader struct {
	Version  int       `json:"version"`
	Created  time.Time `json:"created"`
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Codec    string    `json:"codec"`

	// Features declares the capabilities records in this file may
	// use: cipher algorithms, the integrity scheme, and the
	// compression algorithm when compression is enabled.
	Features []string `json:"features"`
}

// Record is one persisted audit entry: an encrypted envelope, its
// integrity tag, and enough compression metadata to reverse the
// transform. One record per line, JSON-encoded.
type Record struct {
	// Envelope holds the encrypted payload.
	Envelope Envelope `json:"envelope"`

	// HMAC is the hex HMAC-SHA256 tag over the envelope's canonical
	// JSON form.
	HMAC string `json:"hmac"`

	// Compressed marks whether the plaintext was compressed before
	// encryption.
	Compressed bool `json:"compressed,omitempty"`

	// Compression names the algorithm when Compressed is set.
	Compression Algorithm `json:"compression,omitempty"`

	// UncompressedSize is the original payload length when Compressed
	// is set. Required to allocate the exact decompression buffer.
	UncompressedSize int `json:"uncompressed_size,omitempty"`
}

// timestampReplacer maps RFC3339Nano characters that are awkward in
// filenames to hyphens.
var timestampReplacer = strings.NewReplacer(":", "-", ".", "-")

// fileName builds the base name for an audit file created at the
// given instant by the given process.
func fileName(created time.Time, pid int) string {
	stamp := timestampReplacer.Replace(created.UTC().Format(time.RFC3339Nano))
	return "audit-" + stamp + "-" + strconv.Itoa(pid) + fileSuffix
}

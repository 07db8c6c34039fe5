// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cordon-systems/cordon/lib/codec"
	"github.com/cordon-systems/cordon/lib/secret"
)

// maxRecordSize bounds a single record line. Envelopes carry base64
// ciphertext, so this allows payloads well past the default rotation
// threshold.
const maxRecordSize = 64 << 20

// IntegrityFailure describes one record that could not be verified or
// decoded during Read. Reported, never returned: a corrupt line must
// not hide the intact lines around it.
type IntegrityFailure struct {
	// Line is the 1-based line number in the file, header included.
	Line int

	// Reason classifies the failure: "integrity", "decrypt",
	// "decompress", or "decode".
	Reason string

	// Err is the underlying error. Nil for HMAC mismatches, which
	// carry no detail beyond the mismatch itself.
	Err error
}

func (f IntegrityFailure) String() string {
	if f.Err == nil {
		return fmt.Sprintf("line %d: %s check failed", f.Line, f.Reason)
	}
	return fmt.Sprintf("line %d: %s: %v", f.Line, f.Reason, f.Err)
}

// ReadResult is the outcome of reading one audit file.
type ReadResult struct {
	// Header is the file's plaintext header.
	Header FileHeader

	// Events holds every record that verified and decrypted cleanly,
	// in file order.
	Events []Event

	// Failures records every line that was skipped, in file order.
	Failures []IntegrityFailure
}

// Read decrypts and verifies one audit file. Records failing the HMAC
// check, decryption, decompression, or decoding are skipped and
// reported in Failures; only file-level problems (open failure,
// unreadable header, unsupported version) abort the read.
func Read(path string, masterKey *secret.Buffer) (*ReadResult, error) {
	if masterKey == nil || masterKey.Len() != derivedKeySize {
		return nil, fmt.Errorf("master key must be exactly %d bytes", derivedKeySize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open audit file", Path: path, Err: err}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, &IOError{Op: "read audit file header", Path: path, Err: err}
		}
		return nil, fmt.Errorf("audit file %s is empty", path)
	}

	result := &ReadResult{}
	if err := json.Unmarshal(scanner.Bytes(), &result.Header); err != nil {
		return nil, fmt.Errorf("parsing audit file header: %w", err)
	}
	if result.Header.Version != fileVersion {
		return nil, fmt.Errorf("unsupported audit file version %d", result.Header.Version)
	}

	integrityKey, err := deriveIntegrityKey(masterKey)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(integrityKey)

	for line := 2; scanner.Scan(); line++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		event, failure := decodeRecord(raw, masterKey, integrityKey, result.Header.Codec)
		if failure != nil {
			failure.Line = line
			result.Failures = append(result.Failures, *failure)
			continue
		}
		result.Events = append(result.Events, *event)
	}
	if err := scanner.Err(); err != nil {
		return nil, &IOError{Op: "read audit file", Path: path, Err: err}
	}

	return result, nil
}

// decodeRecord reverses the write pipeline for one line: verify HMAC,
// decrypt, decompress, decode.
func decodeRecord(raw []byte, masterKey *secret.Buffer, integrityKey []byte, payloadCodec string) (*Event, *IntegrityFailure) {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, &IntegrityFailure{Reason: "decode", Err: fmt.Errorf("parsing record: %w", err)}
	}

	ok, err := verifyIntegrity(integrityKey, &record.Envelope, record.HMAC)
	if err != nil {
		return nil, &IntegrityFailure{Reason: "integrity", Err: err}
	}
	if !ok {
		return nil, &IntegrityFailure{Reason: "integrity"}
	}

	payload, err := open(masterKey, &record.Envelope)
	if err != nil {
		return nil, &IntegrityFailure{Reason: "decrypt", Err: err}
	}

	if record.Compressed {
		payload, err = decompressPayload(payload, record.Compression, record.UncompressedSize)
		if err != nil {
			return nil, &IntegrityFailure{Reason: "decompress", Err: err}
		}
	}

	var event Event
	switch payloadCodec {
	case CodecCBOR:
		err = codec.Unmarshal(payload, &event)
	default:
		err = json.Unmarshal(payload, &event)
	}
	if err != nil {
		return nil, &IntegrityFailure{Reason: "decode", Err: fmt.Errorf("decoding event payload: %w", err)}
	}
	return &event, nil
}
